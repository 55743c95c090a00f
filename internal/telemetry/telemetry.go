// Package telemetry provides the structured logging ambient stack
// carried regardless of spec.md's functional non-goals: registry,
// conntable, synclock, and rp all log through an injected *zap.Logger
// rather than ad hoc fmt.Printf calls, grounded on
// _examples/other_examples/pingcap-tidb__arbitrator.go's zap usage
// (zap.Field-based structured fields passed to Info/Warn/Error).
package telemetry

import (
	"go.uber.org/zap"
)

// New returns a production-configured JSON logger, or a development
// console logger when debug is set (human-readable, DEBUG level
// enabled) — the split mirrors the common zap.NewProduction/
// zap.NewDevelopment split rather than hand-rolling an encoder config.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Fields are the common structured fields attached to log lines across
// the registry/conntable/synclock/rp packages, named here once so call
// sites stay consistent with each other.
func Module(name string) zap.Field       { return zap.String("module", name) }
func ConnHandle(handle uint64) zap.Field { return zap.Uint64("conn_handle", handle) }
func PID(pid uint32) zap.Field           { return zap.Uint32("pid", pid) }
func EvpipeID(id uint64) zap.Field       { return zap.Uint64("evpipe_id", id) }
func SessionID(id uint64) zap.Field      { return zap.Uint64("session_id", id) }
