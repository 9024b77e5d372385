// Package logging provides structured logging for the identity gateway.
//
// It wraps log/slog with JSON (default) or text output, level filtering and
// default attributes (service, version, edge_device_id). Every package that
// logs takes a small Debug/Info/Warn/Error interface, which *Logger
// satisfies.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Signed device keys, hub tokens and passwords are credentials and must
// never be passed to a logger.
package logging
