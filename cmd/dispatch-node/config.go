package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/wehubfusion/Dispatch/pkg/codec"
)

// workerConfig is the environment of a remote worker process.
type workerConfig struct {
	MachineName    string
	Script         string
	ScriptTimeout  time.Duration
	ScriptPoolSize int
	HealthInterval time.Duration
	HealthAddr     string // gRPC health listener, disabled when empty
	Codec          string
}

func loadWorkerConfig(getenv func(string) string) (workerConfig, error) {
	cfg := workerConfig{
		MachineName:    getenv("DISPATCH_MACHINE_NAME"),
		ScriptTimeout:  5 * time.Second,
		ScriptPoolSize: 4,
		HealthInterval: time.Second,
		HealthAddr:     getenv("DISPATCH_GRPC_HEALTH_ADDR"),
		Codec:          codec.NameMsgpack,
	}

	if cfg.MachineName == "" {
		host, err := os.Hostname()
		if err != nil {
			return cfg, fmt.Errorf("DISPATCH_MACHINE_NAME is unset and hostname is unavailable: %w", err)
		}
		cfg.MachineName = host
	}

	switch {
	case getenv("DISPATCH_SCRIPT") != "":
		cfg.Script = getenv("DISPATCH_SCRIPT")
	case getenv("DISPATCH_SCRIPT_FILE") != "":
		data, err := os.ReadFile(getenv("DISPATCH_SCRIPT_FILE"))
		if err != nil {
			return cfg, fmt.Errorf("failed to read script file: %w", err)
		}
		cfg.Script = string(data)
	default:
		return cfg, fmt.Errorf("one of DISPATCH_SCRIPT or DISPATCH_SCRIPT_FILE is required")
	}

	if v := getenv("DISPATCH_SCRIPT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid DISPATCH_SCRIPT_TIMEOUT: %w", err)
		}
		cfg.ScriptTimeout = d
	}
	if v := getenv("DISPATCH_SCRIPT_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid DISPATCH_SCRIPT_POOL_SIZE %q", v)
		}
		cfg.ScriptPoolSize = n
	}
	if v := getenv("DISPATCH_HEALTH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid DISPATCH_HEALTH_INTERVAL %q", v)
		}
		cfg.HealthInterval = d
	}
	if v := getenv("DISPATCH_CODEC"); v != "" {
		if v != codec.NameJSON && v != codec.NameMsgpack {
			return cfg, fmt.Errorf("unsupported DISPATCH_CODEC %q", v)
		}
		cfg.Codec = v
	}
	return cfg, nil
}
