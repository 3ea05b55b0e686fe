package concurrency

import (
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeForKubernetes sets GOMAXPROCS to the container CPU quota.
// It should be called at the very start of main() before nodes are built.
// Returns an undo function that restores the original GOMAXPROCS value.
func InitializeForKubernetes(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	undo, err := maxprocs.Set(maxprocs.Logger(sugar.Infof))
	if err != nil {
		logger.Warn("Failed to set maxprocs", zap.Error(err))
		return func() {}
	}

	logger.Info("Concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}

// GetEffectiveCPUs returns the effective number of CPUs available.
// This respects cgroup limits once InitializeForKubernetes has run.
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}
