// Package logx is plugsched's structured logging on top of zerolog.
//
// Console output carries a millisecond timestamp and a file:line caller; the
// optional file sink is JSON lines. Loggers derived from a Service survive
// Service.Apply, so log level changes from a config reload reach every
// component without rewiring.
package logx
