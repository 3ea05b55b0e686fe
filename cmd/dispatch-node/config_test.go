package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Dispatch/pkg/codec"
)

func envOf(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadWorkerConfigDefaults(t *testing.T) {
	cfg, err := loadWorkerConfig(envOf(map[string]string{
		"DISPATCH_MACHINE_NAME": "worker-a",
		"DISPATCH_SCRIPT":       "input",
	}))
	require.NoError(t, err)

	assert.Equal(t, "worker-a", cfg.MachineName)
	assert.Equal(t, "input", cfg.Script)
	assert.Equal(t, 5*time.Second, cfg.ScriptTimeout)
	assert.Equal(t, 4, cfg.ScriptPoolSize)
	assert.Equal(t, time.Second, cfg.HealthInterval)
	assert.Equal(t, codec.NameMsgpack, cfg.Codec)
	assert.Empty(t, cfg.HealthAddr)
}

func TestLoadWorkerConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transform.js")
	require.NoError(t, os.WriteFile(path, []byte("input.toUpperCase()"), 0o600))

	cfg, err := loadWorkerConfig(envOf(map[string]string{
		"DISPATCH_MACHINE_NAME":     "worker-b",
		"DISPATCH_SCRIPT_FILE":      path,
		"DISPATCH_SCRIPT_TIMEOUT":   "250ms",
		"DISPATCH_SCRIPT_POOL_SIZE": "8",
		"DISPATCH_HEALTH_INTERVAL":  "3s",
		"DISPATCH_GRPC_HEALTH_ADDR": ":9090",
		"DISPATCH_CODEC":            "json",
	}))
	require.NoError(t, err)

	assert.Equal(t, "input.toUpperCase()", cfg.Script)
	assert.Equal(t, 250*time.Millisecond, cfg.ScriptTimeout)
	assert.Equal(t, 8, cfg.ScriptPoolSize)
	assert.Equal(t, 3*time.Second, cfg.HealthInterval)
	assert.Equal(t, ":9090", cfg.HealthAddr)
	assert.Equal(t, codec.NameJSON, cfg.Codec)
}

func TestLoadWorkerConfigRejectsInvalidValues(t *testing.T) {
	base := map[string]string{"DISPATCH_MACHINE_NAME": "w", "DISPATCH_SCRIPT": "input"}

	cases := map[string]map[string]string{
		"missing script": {"DISPATCH_MACHINE_NAME": "w"},
		"bad timeout":    {"DISPATCH_SCRIPT_TIMEOUT": "soon"},
		"bad pool size":  {"DISPATCH_SCRIPT_POOL_SIZE": "0"},
		"bad interval":   {"DISPATCH_HEALTH_INTERVAL": "-1s"},
		"unknown codec":  {"DISPATCH_CODEC": "xml"},
		"missing file":   {"DISPATCH_SCRIPT": "", "DISPATCH_SCRIPT_FILE": "/does/not/exist.js"},
	}
	for name, overrides := range cases {
		t.Run(name, func(t *testing.T) {
			env := map[string]string{}
			if name != "missing script" {
				for k, v := range base {
					env[k] = v
				}
			}
			for k, v := range overrides {
				env[k] = v
			}
			_, err := loadWorkerConfig(envOf(env))
			assert.Error(t, err)
		})
	}
}
