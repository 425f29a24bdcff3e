package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/taofu-labs/tpn-core/internal/config"
)

// NewLogger creates a structured zerolog.Logger carrying this node's
// run mode and version as context fields. Non-empty fields are added
// automatically.
func NewLogger(cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp()

	ctx = ctx.Str("service", "tpn-core")
	if cfg.RunMode != "" {
		ctx = ctx.Str("run_mode", cfg.RunMode)
	}
	if cfg.NodeVersion != "" {
		ctx = ctx.Str("node_version", cfg.NodeVersion)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
