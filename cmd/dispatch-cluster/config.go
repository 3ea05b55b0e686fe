package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wehubfusion/Dispatch/pkg/cluster"
	"github.com/wehubfusion/Dispatch/pkg/codec"
)

// coordinatorConfig is the environment of the cluster coordinator.
type coordinatorConfig struct {
	Hosts []cluster.Host

	// GRPCHealth makes heartbeats use the gRPC health protocol on each
	// host's port instead of the NATS heartbeat subject
	GRPCHealth bool

	Codec          string
	Stream         string
	Consumer       string
	ResultSubject  string // results are dropped after ack when empty
	BatchSize      int
	MaxInFlight    int
	ProcessTimeout time.Duration

	DeadLetterConnectionString string
	DeadLetterContainer        string
	DeadLetterPrefix           string
}

func loadCoordinatorConfig(getenv func(string) string) (coordinatorConfig, error) {
	cfg := coordinatorConfig{
		Codec:            codec.NameMsgpack,
		Stream:           getenvDefault(getenv, "DISPATCH_INGEST_STREAM", "DISPATCH"),
		Consumer:         getenvDefault(getenv, "DISPATCH_INGEST_CONSUMER", "dispatch-cluster"),
		ResultSubject:    getenv("DISPATCH_RESULT_SUBJECT"),
		BatchSize:        10,
		MaxInFlight:      100,
		ProcessTimeout:   30 * time.Second,
		DeadLetterPrefix: getenvDefault(getenv, "DISPATCH_DEADLETTER_PREFIX", "deadletter"),

		DeadLetterConnectionString: getenv("DISPATCH_DEADLETTER_AZURE_CONNECTION_STRING"),
		DeadLetterContainer:        getenv("DISPATCH_DEADLETTER_CONTAINER"),
	}

	hosts, err := parseHosts(getenv("DISPATCH_NODES"))
	if err != nil {
		return cfg, err
	}
	cfg.Hosts = hosts

	if v := getenv("DISPATCH_GRPC_HEALTH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid DISPATCH_GRPC_HEALTH %q", v)
		}
		cfg.GRPCHealth = b
	}
	if cfg.GRPCHealth {
		for _, h := range cfg.Hosts {
			if h.Port == 0 {
				return cfg, fmt.Errorf("host %s needs a port for gRPC health checks", h.MachineName)
			}
		}
	}

	if v := getenv("DISPATCH_CODEC"); v != "" {
		if v != codec.NameJSON && v != codec.NameMsgpack {
			return cfg, fmt.Errorf("unsupported DISPATCH_CODEC %q", v)
		}
		cfg.Codec = v
	}
	if v := getenv("DISPATCH_INGEST_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid DISPATCH_INGEST_BATCH_SIZE %q", v)
		}
		cfg.BatchSize = n
	}
	if v := getenv("DISPATCH_INGEST_MAX_IN_FLIGHT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid DISPATCH_INGEST_MAX_IN_FLIGHT %q", v)
		}
		cfg.MaxInFlight = n
	}
	if v := getenv("DISPATCH_INGEST_PROCESS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid DISPATCH_INGEST_PROCESS_TIMEOUT %q", v)
		}
		cfg.ProcessTimeout = d
	}
	if cfg.DeadLetterConnectionString != "" && cfg.DeadLetterContainer == "" {
		return cfg, fmt.Errorf("DISPATCH_DEADLETTER_CONTAINER is required with a dead-letter connection string")
	}
	return cfg, nil
}

// parseHosts reads a comma separated list of machine[:port] entries.
func parseHosts(raw string) ([]cluster.Host, error) {
	var hosts []cluster.Host
	seen := make(map[string]bool)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host := cluster.Host{MachineName: entry}
		if i := strings.LastIndex(entry, ":"); i >= 0 {
			port, err := strconv.Atoi(entry[i+1:])
			if err != nil || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("invalid port in node entry %q", entry)
			}
			host = cluster.Host{MachineName: entry[:i], Port: port}
		}
		if host.MachineName == "" {
			return nil, fmt.Errorf("node entry %q has no machine name", entry)
		}
		if seen[host.MachineName] {
			return nil, fmt.Errorf("node %q is listed twice", host.MachineName)
		}
		seen[host.MachineName] = true
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("DISPATCH_NODES must list at least one node")
	}
	return hosts, nil
}

func getenvDefault(getenv func(string) string, key, defaultValue string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return defaultValue
}
