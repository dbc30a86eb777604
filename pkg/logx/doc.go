// Package logx configures marzbot's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON, one event per line
//   - derived loggers carry fixed fields, typically comp=<component>
package logx
