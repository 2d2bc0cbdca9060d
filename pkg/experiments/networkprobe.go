// Package experiments provides a small set of concrete experiment types
// registered by default on cmd/netlabd, grounded in
// original_source/labkit/labgrid/example.py's SimpleNetworkExperiment — the
// reference implementation the original ships alongside the engine itself.
package experiments

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/netlab/pkg/registry"
	"github.com/cuemby/netlab/pkg/remote"
	"github.com/cuemby/netlab/pkg/types"
)

// NetworkProbe exercises the full remote capability surface against its
// assigned host: it uploads a small config file, runs a handful of shell
// commands, downloads the resulting remote directory, and reports a
// handful of descriptive metrics. The lifecycle runner only tracks the host
// for bookkeeping/logging; the façade's task executor hands the allocated
// host to the experiment through BindHost before the run starts.
type NetworkProbe struct {
	cfg  types.ExperimentConfig
	cap  remote.Capability
	host string

	experimentID string
	remoteDir    string
	resultFiles  []string
}

// NewNetworkProbe is a registry.Constructor for the "network_probe"
// experiment type.
func NewNetworkProbe(cfg types.ExperimentConfig, cap remote.Capability) (registry.Experiment, error) {
	return &NetworkProbe{cfg: cfg, cap: cap}, nil
}

// BindHost lets the caller (the façade's task executor) tell the probe
// which host it has been assigned, since the Experiment interface itself
// carries no host parameter.
func (p *NetworkProbe) BindHost(host string) { p.host = host }

func (p *NetworkProbe) Initialize(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return false, fmt.Errorf("create output dir: %w", err)
	}

	configPath := filepath.Join(p.cfg.OutputDir, "probe_config.txt")
	contents := fmt.Sprintf("experiment_type: %s\nstarted: %s\nparameters: %v\n",
		p.cfg.ExperimentType, time.Now().Format(time.RFC3339), p.cfg.Parameters)
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		return false, fmt.Errorf("write probe config: %w", err)
	}
	return true, nil
}

func (p *NetworkProbe) Execute(ctx context.Context) (bool, error) {
	if p.host == "" {
		return false, fmt.Errorf("no host assigned")
	}

	if _, ok := p.cap.GetSystemInfo(ctx, p.host); !ok {
		return false, fmt.Errorf("get system info on %s failed", p.host)
	}

	p.experimentID = fmt.Sprintf("probe_%d", time.Now().UnixNano())
	p.remoteDir = "/tmp/netlab_" + p.experimentID
	if !p.cap.CreateRemoteDirectory(ctx, p.host, p.remoteDir) {
		return false, fmt.Errorf("create remote directory %s failed", p.remoteDir)
	}

	localFile := filepath.Join(p.cfg.OutputDir, "probe_config.txt")
	remoteFile := p.remoteDir + "/probe_config.txt"
	if !p.cap.UploadFile(ctx, p.host, localFile, remoteFile) {
		return false, fmt.Errorf("upload %s to %s failed", localFile, remoteFile)
	}

	commands := []string{"date", "whoami", "pwd", "uname -a"}
	for _, cmd := range commands {
		res := p.cap.ExecuteCommand(ctx, p.host, cmd, 30*time.Second)
		if !res.Success {
			return false, fmt.Errorf("command %q failed: %s", cmd, res.Error)
		}
	}

	return true, nil
}

func (p *NetworkProbe) CollectData(ctx context.Context) (bool, error) {
	if p.host == "" || p.remoteDir == "" {
		return false, fmt.Errorf("nothing to collect, execute phase did not run")
	}

	localDir := filepath.Join(p.cfg.OutputDir, "remote_data")
	if !p.cap.DownloadDirectory(ctx, p.host, p.remoteDir, localDir) {
		return false, fmt.Errorf("download %s from %s failed", p.remoteDir, p.host)
	}

	entries, _ := os.ReadDir(localDir)
	for _, e := range entries {
		if !e.IsDir() {
			p.resultFiles = append(p.resultFiles, filepath.Join(localDir, e.Name()))
		}
	}

	if !p.cap.RemoveRemoteDirectory(ctx, p.host, p.remoteDir) {
		return false, fmt.Errorf("remove remote directory %s failed", p.remoteDir)
	}
	return true, nil
}

func (p *NetworkProbe) AnalyzeData(ctx context.Context) (map[string]any, error) {
	return map[string]any{
		"total_files":          len(p.resultFiles),
		"server_used":          p.host,
		"analysis_timestamp":   time.Now().Format(time.RFC3339),
	}, nil
}

func (p *NetworkProbe) SaveData(ctx context.Context) (bool, error) {
	summaryPath := filepath.Join(p.cfg.OutputDir, "experiment_summary.txt")
	var b strings.Builder
	fmt.Fprintln(&b, strings.Repeat("=", 50))
	fmt.Fprintln(&b, "Experiment summary")
	fmt.Fprintln(&b, strings.Repeat("=", 50))
	fmt.Fprintf(&b, "experiment_type: %s\n", p.cfg.ExperimentType)
	fmt.Fprintf(&b, "host: %s\n", p.host)
	fmt.Fprintf(&b, "result_files: %d\n", len(p.resultFiles))
	fmt.Fprintln(&b, strings.Repeat("=", 50))

	if err := os.WriteFile(summaryPath, []byte(b.String()), 0o644); err != nil {
		return false, fmt.Errorf("write summary: %w", err)
	}
	p.resultFiles = append(p.resultFiles, summaryPath)
	return true, nil
}

func (p *NetworkProbe) Cleanup(ctx context.Context) {
	if p.host != "" && p.remoteDir != "" {
		p.cap.RemoveRemoteDirectory(ctx, p.host, p.remoteDir)
	}
}
