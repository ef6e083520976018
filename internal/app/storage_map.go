package app

import (
	"strings"
	"time"

	"github.com/NexusSwitchboard/nexus-core/internal/config"
	"github.com/NexusSwitchboard/nexus-core/internal/storage"
	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// mapStorageConfig converts the definition's storage block. A nil block or
// driver "none" leaves the driver empty, which disables run history.
func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		driver = ""
	}
	busy, err := config.ParseDurationField("server.storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	if busy == 0 {
		busy = time.Second
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		MaxRuns:     sc.MaxRuns,
	}, nil
}

// mapLoggingConfig applies the console default: on unless explicitly false.
func mapLoggingConfig(lc config.LoggingConfig) logx.Config {
	console := lc.Console == nil || *lc.Console
	return logx.Config{
		Level:   lc.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}
