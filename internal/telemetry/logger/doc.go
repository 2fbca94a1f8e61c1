// Package logger builds the process's structured logger.
//
// Loggers are plain *slog.Logger values so every package can accept one
// without depending on this package. New wraps the chosen slog handler in
// two layers:
//
//   - context: records logged with a context carrying a connection id, a
//     peer or a trace id get those as attributes
//   - redaction: secret-looking attributes and URL credentials are masked
//
// The level is shared process-wide and can be changed at runtime with
// SetLevel, which is how a configuration reload adjusts verbosity.
package logger
