// Package logx is chanrelay's structured logger.
//
// Logger wraps zerolog with typed fields. Loggers derived from a Service
// follow its level and outputs, which Service.Apply swaps on config reload.
// The console writer is human-readable; the optional file output is JSON.
package logx
