// Package pokerlog provides the leveled, key-value structured logger used
// across the betting core. It wraps log15 the same way erigon's internal
// log package wraps it, so every component logs through one narrow surface
// instead of reaching for fmt.Println or the standard library's log package.
package pokerlog

import (
	"os"

	"github.com/inconshreveable/log15"
)

// Logger is the structured, leveled logging surface every component depends
// on. It is satisfied by the log15-backed values New and Noop return.
type Logger interface {
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
}

type wrapper struct {
	log15.Logger
}

func (w wrapper) New(ctx ...interface{}) Logger {
	return wrapper{w.Logger.New(ctx...)}
}

// New returns a root logger writing leveled, key=value formatted records to
// stderr, mirroring the text handler erigon-lib wires up for its own CLI
// binaries.
func New(name string) Logger {
	root := log15.New("component", name)
	root.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))
	return wrapper{root}
}

// Noop returns a logger that discards everything; used by tests that do not
// care about log output.
func Noop() Logger {
	root := log15.New()
	root.SetHandler(log15.DiscardHandler())
	return wrapper{root}
}
