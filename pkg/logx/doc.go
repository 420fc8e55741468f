// Package logx configures busping's structured logging.
//
// Logger is a small value wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional alert sink (Telegram) for WARN+ lines, rate limited
package logx
