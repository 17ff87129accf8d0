package hub

import (
	"context"
	"strconv"
	"time"

	"github.com/paperclash/realtime/internal/admin"
	"github.com/paperclash/realtime/internal/protocol"
	"github.com/paperclash/realtime/internal/topic"
)

// RunRefreshers drives the periodic broadcast loops: contest state and
// leaderboard for every contest topic with at least one subscriber, and
// service metrics for admin-role wallet subscribers. Runs until the
// context is canceled.
func (h *Hub) RunRefreshers(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.refreshContests(ctx)
			h.emitServiceMetrics()
		}
	}
}

func (h *Hub) refreshContests(ctx context.Context) {
	for _, key := range h.index.ActiveKeys(topic.NSContest) {
		contestID, err := strconv.ParseInt(key.Scope, 10, 64)
		if err != nil {
			continue
		}
		cs, err := h.store.ContestState(ctx, contestID)
		if err != nil {
			h.logger.Warn().Err(err).Int64("contest_id", contestID).Msg("Contest refresh failed")
			continue
		}
		if cs == nil {
			continue
		}
		if frame, err := protocol.NewDataObject(protocol.TypeContestUpdated, key.String(), cs); err == nil {
			h.Broadcast(key, frame)
		}
		rows, err := h.store.Leaderboard(ctx, contestID, 0)
		if err != nil {
			h.logger.Warn().Err(err).Int64("contest_id", contestID).Msg("Leaderboard refresh failed")
			continue
		}
		if frame, err := protocol.NewDataObject(protocol.TypeLeaderboard, key.String(), rows); err == nil {
			h.Broadcast(key, frame)
		}
	}
}

// emitServiceMetrics sends a SERVICE_METRICS frame to admin-role
// subscribers of wallet topics. The payload is built once per tick.
func (h *Hub) emitServiceMetrics() {
	keys := h.index.ActiveKeys(topic.NSWallet)
	if len(keys) == 0 {
		return
	}

	total, perEndpoint := h.ConnectionCounts()
	stats, err := admin.CollectProcessStats()
	if err != nil {
		h.logger.Debug().Err(err).Msg("Process stats unavailable")
	}
	payload := map[string]any{
		"connections":       total,
		"connectionsByPath": perEndpoint,
		"droppedFrames":     h.DroppedTotal(),
		"process":           stats,
	}

	adminOnly := func(c *Client) bool {
		return !c.principal.Anonymous && c.principal.Role.Admin()
	}
	for _, key := range keys {
		frame, err := protocol.NewDataObject(protocol.TypeServiceMetrics, key.String(), payload)
		if err != nil {
			continue
		}
		h.BroadcastFilter(key, frame, adminOnly)
	}
}
