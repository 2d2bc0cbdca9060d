package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/netlab/pkg/config"
	"github.com/cuemby/netlab/pkg/experiments"
	"github.com/cuemby/netlab/pkg/framework"
	"github.com/cuemby/netlab/pkg/metrics"
	"github.com/cuemby/netlab/pkg/remote"
	"github.com/cuemby/netlab/pkg/resultmanager"
	"github.com/cuemby/netlab/pkg/types"
)

func newFramework(serversConfigFile, frameworkConfigFile string) (*framework.Framework, error) {
	servers, err := config.LoadServers(serversConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load servers config: %w", err)
	}
	fwCfg, err := config.LoadFramework(frameworkConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load framework config: %w", err)
	}

	capability := remote.NewSSHCapability(servers)
	f, err := framework.NewWithCapability(servers, fwCfg, capability)
	if err != nil {
		return nil, err
	}

	f.RegisterExperiment("network_probe", experiments.NewNetworkProbe,
		"uploads, executes, and downloads a small remote probe", []string{"network", "example"})

	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("task_manager", true, "")
	metrics.RegisterComponent("resource_manager", true, "")
	metrics.RegisterComponent("remote_capability", true, "")

	return f, nil
}

// newResultManager opens the result store directly, without standing up
// the full façade (no SSH dialing needed to read persisted results): the
// read-only status/result/list/stats subcommands only need the framework
// config's log_dir and retention policy.
func newResultManager(frameworkConfigFile string) (*resultmanager.Manager, error) {
	fwCfg, err := config.LoadFramework(frameworkConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load framework config: %w", err)
	}
	return resultmanager.New(fwCfg.LogDir, fwCfg.ResultRetentionDays)
}

func loadExperimentConfig(path string) (types.ExperimentConfig, error) {
	var cfg types.ExperimentConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read experiment config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse experiment config %s: %w", path, err)
	}
	return cfg, nil
}
