package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// Output formats
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds the process logger. format "json" uses the production encoder,
// "console" the development one; level is any zap level name.
func New(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	switch format {
	case "", FormatJSON:
		cfg = zap.NewProductionConfig()
	case FormatConsole:
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	if level != "" {
		atomic, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = atomic
	}

	return cfg.Build(zap.Fields(zap.String("service", "tripsync")))
}
