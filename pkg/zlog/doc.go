// Package zlog configures taskd's structured logging.
//
// It is a thin wrapper (zlog.Logger) over zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Log level swappable at runtime via Service.Apply (config hot-reload)
//
// The zero value of Logger is a safe no-op, so components can embed one
// without nil checks.
package zlog
