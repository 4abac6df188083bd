package linkserver

import (
	"context"
	"log/slog"
	"time"
)

// DefaultJanitorInterval paces the expiry sweep when the config does not say
// otherwise.
const DefaultJanitorInterval = time.Minute

// RunJanitor sweeps expired sessions on the given interval until the context
// is cancelled. Expiry also happens lazily on access; the sweep bounds how
// long an untouched session lingers in a live state.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ExpireStale(ctx, s.clock())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("session expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("expired stale sessions", "count", n)
			}
		}
	}
}
