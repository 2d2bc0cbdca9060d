package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/netlab/pkg/log"
	"github.com/cuemby/netlab/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestration engine and block until shutdown",
	Long: `run loads the servers and framework configuration, starts the
façade's worker pool, and blocks until SIGINT or SIGTERM, at which point it
stops the engine gracefully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serversConfig, _ := cmd.Flags().GetString("servers-config")
		frameworkConfig, _ := cmd.Flags().GetString("framework-config")
		httpAddr, _ := cmd.Flags().GetString("http-addr")

		f, err := newFramework(serversConfig, frameworkConfig)
		if err != nil {
			return err
		}

		f.Start()
		log.Logger.Info().Msg("netlabd started")

		var srv *http.Server
		if httpAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", metrics.HealthHandler())
			mux.HandleFunc("/readyz", metrics.ReadyHandler())
			srv = &http.Server{Addr: httpAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Logger.Error().Err(err).Msg("http server failed")
				}
			}()
			log.Logger.Info().Str("addr", httpAddr).Msg("serving /metrics, /healthz, /readyz")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}
		f.Stop()
		return nil
	},
}

func init() {
	runCmd.Flags().String("servers-config", "configs/servers.json", "Path to the servers inventory JSON file")
	runCmd.Flags().String("framework-config", "", "Path to the optional framework tuning JSON file")
	runCmd.Flags().String("http-addr", "", "Address to serve /metrics, /healthz, /readyz on (empty disables the HTTP surface)")
}
