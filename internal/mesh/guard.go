package mesh

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/sasha-s/go-deadlock"

	"github.com/rs/zerolog"
)

// ResourceGuard is a small CPU-based admission gate on the node's accept
// path, grounded on the teacher's ShouldAcceptConnection in
// internal/shared/limits/resource_guard.go: dispatch.Serve consults it for
// every newly accepted connection, client or peer, before the handshake,
// and such connections are rejected once CPU usage passes a configured
// threshold (outbound Connect does not consult it), the same "emergency
// brake" role the teacher's ResourceGuard plays for new WebSocket clients. Unlike the teacher's guard this one
// carries no rate limiters or memory checks — the node mesh's accept
// path has no Kafka/broadcast rate concern to protect, only the join
// flood the Design Notes call out.
type ResourceGuard struct {
	mu        deadlock.Mutex
	threshold float64
	logger    zerolog.Logger
}

// NewResourceGuard builds a guard that rejects new connections once
// process CPU percent exceeds threshold (0 disables the check).
func NewResourceGuard(threshold float64, logger zerolog.Logger) *ResourceGuard {
	return &ResourceGuard{threshold: threshold, logger: logger}
}

// ShouldAccept reports whether a newly accepted connection may be admitted.
func (g *ResourceGuard) ShouldAccept() bool {
	if g == nil || g.threshold <= 0 {
		return true
	}
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		// Unable to measure: fail open, matching the teacher's CPU
		// monitor fallback behavior rather than refusing every peer.
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if percents[0] > g.threshold {
		g.logger.Warn().Float64("cpu_percent", percents[0]).Float64("threshold", g.threshold).
			Msg("mesh: rejecting peer connection, CPU over threshold")
		return false
	}
	return true
}
