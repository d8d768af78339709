package elkvm

import (
	"log"
	"os"
)

// Logger is the ambient tracing surface used for the per-syscall tracing
// and the page-table dump the core produces. Top-level CLI/logging
// plumbing is an embedder concern; this interface is the minimal seam the
// core needs to emit anything at all. Embedders wanting structured or
// leveled logging beyond this wire their own implementation in through
// Config.Log.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
}

// stdLogger is the default Logger, backed by the standard log package.
// Debug output is gated by a flag so production embedders pay nothing for
// trace plumbing they didn't ask for.
type stdLogger struct {
	debug bool
	l     *log.Logger
}

// NewStdLogger returns a Logger over the standard library's log package,
// writing to stderr. debug enables Debugf output.
func NewStdLogger(debug bool) Logger {
	return &stdLogger{
		debug: debug,
		l:     log.New(os.Stderr, "elkvm: ", log.LstdFlags|log.Lmicroseconds),
	}
}

func (s *stdLogger) Debugf(format string, args ...interface{}) {
	if !s.debug {
		return
	}
	s.l.Printf("DEBUG "+format, args...)
}

func (s *stdLogger) Infof(format string, args ...interface{}) {
	s.l.Printf("INFO "+format, args...)
}

func (s *stdLogger) Warningf(format string, args ...interface{}) {
	s.l.Printf("WARN "+format, args...)
}

// discardLogger drops everything; used when Config.Log is nil and the
// embedder never asked for NewStdLogger either.
type discardLogger struct{}

func (discardLogger) Debugf(string, ...interface{})   {}
func (discardLogger) Infof(string, ...interface{})    {}
func (discardLogger) Warningf(string, ...interface{}) {}
