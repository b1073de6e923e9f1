// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with console or JSON encoding,
//   - context helpers (ToContext/FromContext/WithName/WithKV/WithFields),
//   - level and format parsing utilities used by the installer configuration,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// All installer components accept a context and extract the logger from it,
// so a run ID attached once at the top is present in every entry.
package logger
