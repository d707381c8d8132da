package observability

import (
	"github.com/danmuck/edgegate/internal/logging"
	"github.com/rs/zerolog"
)

// InitLogger configures the runtime logging profile and returns the
// process logger tagged with app.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	return logging.Component(app)
}
