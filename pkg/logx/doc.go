// Package logx configures cronosphere's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Bursty warnings bounded (Throttle)
package logx
