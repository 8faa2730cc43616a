// Package parex defines the global logger of the parallel execution engine.
//
// The engine itself lives in core/blockexec. It executes a block of
// transactions optimistically over multiple workers while guaranteeing a
// result equivalent to a sequential execution of the same block.
package parex

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logout = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// Logger is a globally available logger instance.
var Logger = zerolog.New(logout).
	With().Timestamp().Logger().
	With().Caller().Logger().
	Level(zerolog.DebugLevel)
