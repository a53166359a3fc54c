package observability

import (
	"github.com/danmuck/nfcrelay/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the process logger and tags it with the app name.
func InitLogger(app string, cfg logging.Config) zerolog.Logger {
	logging.ConfigureRuntime(cfg)
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
