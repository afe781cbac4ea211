// Package log is the structured logging layer of lotusrpc.
//
// Loggers are passed explicitly or carried in a context.Context; nothing in
// the module logs through package-level state. The connectors pick their
// logger up from the context handed to Connect or Request:
//
//	lg := log.NewZapLogger(log.Config{Format: "logfmt", Level: log.LevelDebug})
//	ctx = log.SetContextLogger(ctx, lg)
//	err := conn.Connect(ctx) // connector logs as "ws-connector"
//
// Three implementations ship with the package:
//
//   - ZapLogger writes console, logfmt or JSON output through go.uber.org/zap.
//   - NoopLogger discards everything and is the default for a bare context.
//   - SpanLogger mirrors each entry onto an OpenTelemetry span.
//
// SetContextLogger wraps the logger in a SpanLogger automatically when the
// context already carries a valid span, which is how per-request spans
// opened by the connectors collect their log lines.
//
// Helpers that log on behalf of their caller should use AddCallerSkip(1) so
// the reported source line points at the caller.
//
// Config is read from the environment by package config:
//
//   - LOTUS_LOG_FORMAT: console, logfmt or json
//   - LOTUS_LOG_LEVEL: debug, info, warn, error or fatal
//   - LOTUS_LOG_OUTPUT: stderr, stdout or a file path
package log
