package global

import (
	"github.com/mason-leap-lab/go-utils/logger"
)

var (
	// Log Root logger, replaced by the server entrypoint.
	Log logger.Logger = logger.NilLogger

	Options CommandlineOptions
)

type CommandlineOptions struct {
	Port    int
	Threads int
	Debug   bool
}

func SetLoggerLevel(level int) {
	if l, ok := Log.(*logger.ColorLogger); ok {
		l.Level = level
	}
}
