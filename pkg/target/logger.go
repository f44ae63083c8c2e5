// SPDX-License-Identifier: Apache-2.0

package target

import (
	"os"

	"github.com/pterm/pterm"
)

// Logger reports the pipeline's major events: one structured log line per
// flush, schema-evolution decision, and version activation, plus warnings
// for the recoverable conditions of spec.md §7 (stale-version drops,
// invalid-record quarantine).
type Logger interface {
	LogFlushStart(stream, table string, recordCount int)
	LogFlushComplete(stream, table string, recordCount int)
	LogSchemaEvolution(stream, table, column, decision string)
	LogVersionActivation(stream string, version int)
	LogVersionActivationComplete(stream string, version int)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Info(msg string, args ...any)
}

type targetLogger struct {
	logger pterm.Logger
}

type noopLogger struct{}

// NewLogger returns the pterm-backed Logger used outside of tests. It writes
// to stderr, leaving stdout to the emitted STATE lines.
func NewLogger() Logger {
	l := pterm.DefaultLogger
	l.Writer = os.Stderr
	return &targetLogger{logger: l}
}

// NewNoopLogger returns a Logger that discards everything, for tests.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

func (l *targetLogger) LogFlushStart(stream, table string, recordCount int) {
	l.logger.Info("flushing batch", l.logger.Args("stream", stream, "table", table, "records", recordCount))
}

func (l *targetLogger) LogFlushComplete(stream, table string, recordCount int) {
	l.logger.Info("flush committed", l.logger.Args("stream", stream, "table", table, "records", recordCount))
}

func (l *targetLogger) LogSchemaEvolution(stream, table, column, decision string) {
	l.logger.Info("evolving remote schema", l.logger.Args("stream", stream, "table", table, "column", column, "decision", decision))
}

func (l *targetLogger) LogVersionActivation(stream string, version int) {
	l.logger.Info("activating table version", l.logger.Args("stream", stream, "version", version))
}

func (l *targetLogger) LogVersionActivationComplete(stream string, version int) {
	l.logger.Info("activated table version", l.logger.Args("stream", stream, "version", version))
}

func (l *targetLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, l.logger.Args(args))
}

func (l *targetLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, l.logger.Args(args))
}

func (l *targetLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args))
}

func (l *noopLogger) LogFlushStart(stream, table string, recordCount int)           {}
func (l *noopLogger) LogFlushComplete(stream, table string, recordCount int)        {}
func (l *noopLogger) LogSchemaEvolution(stream, table, column, decision string)     {}
func (l *noopLogger) LogVersionActivation(stream string, version int)               {}
func (l *noopLogger) LogVersionActivationComplete(stream string, version int)       {}
func (l *noopLogger) Warn(msg string, args ...any)                                  {}
func (l *noopLogger) Error(msg string, args ...any)                                 {}
func (l *noopLogger) Info(msg string, args ...any)                                  {}
