package hub

import (
	"log/slog"

	"github.com/pscheid92/pulsehub/internal/domain"
)

// handleLivenessTick runs the two-tick probe. Connections that did not answer
// the previous tick's probe are removed; every other connection is probed and
// must answer before the next tick.
func (h *Hub) handleLivenessTick() int {
	var dead []domain.ConnID
	for id, conn := range h.conns.conns {
		if !conn.alive {
			dead = append(dead, id)
			continue
		}
		conn.alive = false
		if !conn.peer.Probe() {
			h.evictions = append(h.evictions, eviction{id: id, reason: reasonTransport})
		}
	}

	for _, id := range dead {
		slog.Info("Connection missed liveness probe", "conn_id", id)
		h.unregister(id, reasonLiveness)
	}
	return len(dead)
}
