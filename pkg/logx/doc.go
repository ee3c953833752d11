// Package logx configures eventbot's structured logging.
//
// A small value-type wrapper (logx.Logger) sits on top of zerolog and keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram sink for the admin log chat (min-level + rate limiting)
package logx
