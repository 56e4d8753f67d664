package server

import (
	"context"
	"time"

	"github.com/eleven-am/voicelink/internal/protocol"
)

// RunHeartbeat sweeps the registry until the context is cancelled,
// pinging live connections and evicting ones that went quiet.
func (s *Server) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Server) sweep(now time.Time) {
	for _, conn := range s.registry.Snapshot() {
		idle := now.Sub(conn.LastSeen())
		if idle > s.opts.IdleTimeout {
			s.logger.Info("evicting unresponsive connection", "connection_id", conn.ID(), "idle", idle)
			s.metrics.RecordEviction()
			s.teardown(conn)
			continue
		}

		conn.Send(protocol.NewPing())
	}
}
