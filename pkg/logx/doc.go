// Package logx is the nexus logging layer on top of zerolog.
//
// Components take a Logger by value and derive their own with Component or
// With. Console output is short (timestamp, file:line, key=value); the
// optional file sink writes JSON lines. A Service owns the sinks so the
// host can swap level and outputs while everything keeps logging.
package logx
