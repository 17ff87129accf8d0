package hub

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/paperclash/realtime/internal/admin"
	"github.com/paperclash/realtime/internal/metrics"
	"github.com/paperclash/realtime/internal/protocol"
	"github.com/paperclash/realtime/internal/store"
	"github.com/paperclash/realtime/internal/topic"
)

const unreadLookback = 30 * 24 * time.Hour

// dispatch classifies one inbound frame and runs its handler. Returned
// errors become ERROR frames on the read pump; PING bypasses the message
// limiter so liveness probing keeps working under throttling.
func (h *Hub) dispatch(c *Client, raw []byte) error {
	var f protocol.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return protocol.Errf(protocol.CodeBadRequest, "malformed frame")
	}

	if f.Type == protocol.TypePing {
		pong := protocol.New(protocol.TypePong)
		pong.RequestID = f.RequestID
		if f.Timestamp != "" {
			pong.Data, _ = json.Marshal(map[string]string{"clientTimestamp": f.Timestamp})
		}
		c.Deliver(pong)
		return nil
	}

	if !h.msgLimiter.AllowN(h.limiterKey(c), c.endpoint.MessageLimit) {
		metrics.RateLimitedFrames.Inc()
		return protocol.Errf(protocol.CodeRateLimited, "message rate limit exceeded")
	}

	// Handlers run under the client's context so connection teardown
	// cancels whatever they have in flight.
	ctx := c.ctx
	switch f.Type {
	case protocol.TypeSubscribe:
		return h.handleSubscribe(ctx, c, &f)
	case protocol.TypeUnsubscribe:
		return h.handleUnsubscribe(c, &f)
	case protocol.TypeRequest:
		return h.handleRequest(ctx, c, &f)
	case protocol.TypeCommand:
		return h.handleCommand(ctx, c, &f)
	case protocol.TypeJoinRoom:
		return h.handleJoinRoom(ctx, c, &f)
	case protocol.TypeLeaveRoom:
		return h.rooms.Leave(f.ContestID, c)
	case protocol.TypeSendChatMessage:
		return h.rooms.Chat(f.ContestID, c, f.Text)
	case protocol.TypeParticipantActivity:
		return h.rooms.Activity(f.ContestID, c, f.Action, f.Data)
	case protocol.TypeMarkRead:
		return h.handleMarkRead(ctx, c, &f)
	case protocol.TypeGetUnread:
		return h.handleGetUnread(ctx, c, &f)
	default:
		return protocol.Errf(protocol.CodeUnknownType, "unknown message type %q", f.Type)
	}
}

// handleSubscribe authorizes, acknowledges, registers, then ships the
// topic snapshot. The ack is enqueued before the index insertion, so a
// broadcast can only observe the new subscriber once ACKNOWLEDGMENT is
// already ahead of it in the send queue.
func (h *Hub) handleSubscribe(ctx context.Context, c *Client, f *protocol.Frame) error {
	key, err := topic.Parse(f.Topic)
	if err != nil {
		return err
	}
	if !c.endpoint.Allows(key.Namespace) {
		return protocol.Errf(protocol.CodeBadRequest, "topic %s not served on this endpoint", key)
	}
	if err := h.authorizeTopic(ctx, c, key); err != nil {
		return err
	}

	c.Deliver(protocol.NewAck(key.String(), f.RequestID, map[string]bool{"subscribed": true}))
	if h.index.Add(key, c) {
		c.addSubscription(key)
	}

	return h.sendSnapshot(ctx, c, key, f.RequestID)
}

func (h *Hub) handleUnsubscribe(c *Client, f *protocol.Frame) error {
	key, err := topic.Parse(f.Topic)
	if err != nil {
		return err
	}
	if !h.index.Remove(key, c) {
		return protocol.Errf(protocol.CodeNotSubscribed, "not subscribed to %s", key)
	}
	c.removeSubscription(key)
	c.Deliver(protocol.NewAck(key.String(), f.RequestID, map[string]bool{"subscribed": false}))
	return nil
}

// authorizeTopic evaluates the per-namespace access predicate.
func (h *Hub) authorizeTopic(ctx context.Context, c *Client, key topic.Key) error {
	if key.Public() {
		return nil
	}
	p := c.principal
	if p.Anonymous {
		return protocol.Errf(protocol.CodeUnauthorized, "authentication required for %s", key)
	}

	switch key.Namespace {
	case topic.NSContest, topic.NSRoom:
		contestID, err := strconv.ParseInt(key.Scope, 10, 64)
		if err != nil {
			return protocol.Errf(protocol.CodeBadRequest, "invalid contest id %q", key.Scope)
		}
		return h.requireParticipant(ctx, contestID, p.Wallet, p.Role.Admin())
	case topic.NSWallet, topic.NSNotifications:
		if key.Scope != p.Wallet {
			return protocol.Errf(protocol.CodeUnauthorized, "topic %s belongs to another wallet", key)
		}
		return nil
	case topic.NSSettings, topic.NSAdmin:
		if !p.Role.Admin() {
			return protocol.Errf(protocol.CodeUnauthorized, "admin role required for %s", key)
		}
		return nil
	default:
		return protocol.Errf(protocol.CodeBadRequest, "unknown topic namespace %q", key.Namespace)
	}
}

// requireParticipant admits contest participants, and admins regardless
// of participation, for contests that exist.
func (h *Hub) requireParticipant(ctx context.Context, contestID int64, wallet string, isAdmin bool) error {
	cs, err := h.store.ContestState(ctx, contestID)
	if err != nil {
		return protocol.Errf(protocol.CodeSubscriptionError, "contest lookup failed")
	}
	if cs == nil {
		return protocol.Errf(protocol.CodeContestNotFound, "contest %d not found", contestID)
	}
	if isAdmin {
		return nil
	}
	ok, err := h.store.IsParticipant(ctx, contestID, wallet)
	if err != nil {
		return protocol.Errf(protocol.CodeSubscriptionError, "participant lookup failed")
	}
	if !ok {
		return protocol.Errf(protocol.CodeNotParticipant, "not a participant of contest %d", contestID)
	}
	return nil
}

// sendSnapshot delivers the initial state for a fresh subscription.
// Snapshot failures surface as typed errors but the subscription stands;
// live updates still flow.
func (h *Hub) sendSnapshot(ctx context.Context, c *Client, key topic.Key, requestID string) error {
	switch key.Namespace {
	case topic.NSMarket:
		payload, err := h.snapshots.TokenList(ctx)
		if err != nil {
			return err
		}
		c.Deliver(protocol.NewData(protocol.TypeTokenData, key.String(), payload))
		return nil

	case topic.NSToken:
		payload, err := h.snapshots.TokenDetail(ctx, key.Scope)
		if err != nil {
			return err
		}
		c.Deliver(protocol.NewData(protocol.TypeTokenData, key.String(), payload))
		return nil

	case topic.NSContest:
		contestID, _ := strconv.ParseInt(key.Scope, 10, 64)
		return h.sendContestSnapshot(ctx, c, key, contestID)

	case topic.NSRoom:
		contestID, _ := strconv.ParseInt(key.Scope, 10, 64)
		frame, err := protocol.NewDataObject(protocol.TypeRoomState, key.String(), map[string]any{
			"contestId":    contestID,
			"participants": h.rooms.Occupants(contestID),
		})
		if err != nil {
			return err
		}
		c.Deliver(frame)
		return nil

	case topic.NSWallet:
		balance, err := h.snapshots.Balance(ctx, key.Scope)
		if err != nil {
			return err
		}
		c.Deliver(protocol.NewData(protocol.TypeWalletState, key.String(), balance))
		txs, err := h.snapshots.Transactions(ctx, key.Scope, "", 5)
		if err != nil {
			return err
		}
		c.Deliver(protocol.NewData(protocol.TypeTransactions, key.String(), txs))
		return nil

	case topic.NSNotifications:
		entries, err := h.store.UndeliveredFor(ctx, key.Scope)
		if err != nil {
			return protocol.Errf(protocol.CodeSubscriptionError, "notification snapshot failed")
		}
		frame, err := protocol.NewDataObject(protocol.TypeUnread, key.String(), entries)
		if err != nil {
			return err
		}
		frame.RequestID = requestID
		c.Deliver(frame)
		return nil

	case topic.NSSettings:
		frame, err := protocol.NewDataObject(protocol.TypeSettingUpdate, key.String(), h.settingsForScope(key.Scope))
		if err != nil {
			return err
		}
		frame.RequestID = requestID
		c.Deliver(frame)
		return nil
	}
	return nil
}

func (h *Hub) sendContestSnapshot(ctx context.Context, c *Client, key topic.Key, contestID int64) error {
	cs, err := h.store.ContestState(ctx, contestID)
	if err != nil {
		return protocol.Errf(protocol.CodeSubscriptionError, "contest snapshot failed")
	}
	if cs == nil {
		return protocol.Errf(protocol.CodeContestNotFound, "contest %d not found", contestID)
	}
	stateFrame, err := protocol.NewDataObject(protocol.TypeContestUpdated, key.String(), cs)
	if err != nil {
		return err
	}
	c.Deliver(stateFrame)

	rows, err := h.store.Leaderboard(ctx, contestID, 0)
	if err != nil {
		return protocol.Errf(protocol.CodeSubscriptionError, "leaderboard snapshot failed")
	}
	lbFrame, err := protocol.NewDataObject(protocol.TypeLeaderboard, key.String(), rows)
	if err != nil {
		return err
	}
	c.Deliver(lbFrame)
	return nil
}

// settingsForScope resolves a settings topic scope: "*" means all, a
// dotted key means one setting, anything else is a category.
func (h *Hub) settingsForScope(scope string) []store.Setting {
	switch {
	case scope == "*":
		return h.settings.All()
	case strings.Contains(scope, "."):
		if set, ok := h.settings.Get(scope); ok {
			return []store.Setting{set}
		}
		return nil
	default:
		return h.settings.Category(scope)
	}
}

type transactionsRequest struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}

type tokenDetailRequest struct {
	Symbol string `json:"symbol"`
}

// handleRequest serves point-in-time snapshot reads. Replies carry the
// caller's requestId so clients can correlate.
func (h *Hub) handleRequest(ctx context.Context, c *Client, f *protocol.Frame) error {
	action := strings.ToLower(f.Action)
	p := c.principal

	switch action {
	case "balances":
		if p.Anonymous {
			return protocol.Errf(protocol.CodeUnauthorized, "authentication required")
		}
		payload, err := h.snapshots.Balance(ctx, p.Wallet)
		if err != nil {
			return err
		}
		return h.replyData(c, protocol.TypeWalletState, topic.Wallet(p.Wallet).String(), payload, f.RequestID)

	case "transactions":
		if p.Anonymous {
			return protocol.Errf(protocol.CodeUnauthorized, "authentication required")
		}
		var req transactionsRequest
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &req); err != nil {
				return protocol.Errf(protocol.CodeBadRequest, "malformed transactions request")
			}
		}
		payload, err := h.snapshots.Transactions(ctx, p.Wallet, req.Cursor, req.Limit)
		if err != nil {
			return err
		}
		return h.replyData(c, protocol.TypeTransactions, topic.Wallet(p.Wallet).String(), payload, f.RequestID)

	case "token_detail":
		var req tokenDetailRequest
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &req); err != nil {
				return protocol.Errf(protocol.CodeBadRequest, "malformed token detail request")
			}
		}
		if req.Symbol == "" {
			return protocol.Errf(protocol.CodeBadRequest, "missing token symbol")
		}
		key := topic.Token(req.Symbol)
		payload, err := h.snapshots.TokenDetail(ctx, key.Scope)
		if err != nil {
			return err
		}
		return h.replyData(c, protocol.TypeTokenData, key.String(), payload, f.RequestID)

	case "leaderboard":
		if f.ContestID <= 0 {
			return protocol.Errf(protocol.CodeBadRequest, "missing contest id")
		}
		cs, err := h.store.ContestState(ctx, f.ContestID)
		if err != nil {
			return err
		}
		if cs == nil {
			return protocol.Errf(protocol.CodeContestNotFound, "contest %d not found", f.ContestID)
		}
		rows, err := h.store.Leaderboard(ctx, f.ContestID, 0)
		if err != nil {
			return err
		}
		frame, err := protocol.NewDataObject(protocol.TypeLeaderboard, topic.Key{Namespace: topic.NSContest, Scope: strconv.FormatInt(f.ContestID, 10)}.String(), rows)
		if err != nil {
			return err
		}
		frame.RequestID = f.RequestID
		c.Deliver(frame)
		return nil

	case "settings":
		if !p.Role.Admin() {
			return protocol.Errf(protocol.CodeUnauthorized, "admin role required")
		}
		frame, err := protocol.NewDataObject(protocol.TypeSettingUpdate, topic.Settings("*").String(), h.settings.All())
		if err != nil {
			return err
		}
		frame.RequestID = f.RequestID
		c.Deliver(frame)
		return nil

	default:
		return protocol.Errf(protocol.CodeBadRequest, "unknown request action %q", f.Action)
	}
}

func (h *Hub) replyData(c *Client, frameType, topicStr string, payload json.RawMessage, requestID string) error {
	frame := protocol.NewData(frameType, topicStr, payload)
	frame.RequestID = requestID
	c.Deliver(frame)
	return nil
}

// handleCommand serves the admin command surface. Every command requires
// an admin role; update_setting persists before acknowledging, then fans
// the change out to settings subscribers.
func (h *Hub) handleCommand(ctx context.Context, c *Client, f *protocol.Frame) error {
	p := c.principal
	if p.Anonymous || !p.Role.Admin() {
		return protocol.Errf(protocol.CodeUnauthorized, "admin role required")
	}

	switch strings.ToLower(f.Action) {
	case "update_setting":
		return h.handleUpdateSetting(ctx, c, f)
	case "get_diagnostics", "get_websocket_diagnostics":
		return h.handleDiagnostics(c, f)
	case "start_sync", "cancel_sync":
		if h.publisher == nil {
			return protocol.Errf(protocol.CodeExternalService, "service bus unavailable")
		}
		if err := h.publisher.PublishControl(ctx, strings.ToLower(f.Action), f.Data); err != nil {
			return protocol.Errf(protocol.CodeExternalService, "control publish failed")
		}
		c.Deliver(protocol.NewAck("", f.RequestID, map[string]string{"action": strings.ToLower(f.Action)}))
		return nil
	default:
		return protocol.Errf(protocol.CodeBadRequest, "unknown command %q", f.Action)
	}
}

func (h *Hub) handleUpdateSetting(ctx context.Context, c *Client, f *protocol.Frame) error {
	if f.Key == "" || len(f.Value) == 0 {
		return protocol.Errf(protocol.CodeBadRequest, "update_setting requires key and value")
	}
	updated, err := h.store.UpdateSetting(ctx, f.Key, f.Value, c.principal.Wallet)
	if err != nil {
		return err
	}
	// Cache is refreshed before the ack so a read issued after the ack
	// observes the new value.
	h.settings.Put(*updated)
	c.Deliver(protocol.NewAck(topic.Settings(updated.Key).String(), f.RequestID, updated))

	frame, err := protocol.NewDataObject(protocol.TypeSettingUpdate, topic.Settings(updated.Key).String(), []store.Setting{*updated})
	if err != nil {
		return err
	}
	h.Broadcast(topic.Settings(updated.Key), frame)
	h.Broadcast(topic.Settings(updated.Category()), frame)
	h.Broadcast(topic.Settings("*"), frame)

	h.logger.Info().
		Str("key", updated.Key).
		Str("updated_by", c.principal.Wallet).
		Msg("Setting updated")
	return nil
}

func (h *Hub) handleDiagnostics(c *Client, f *protocol.Frame) error {
	total, perEndpoint := h.ConnectionCounts()
	upgrades, terminations := h.recorder.Recent()
	stats, err := admin.CollectProcessStats()
	if err != nil {
		h.logger.Warn().Err(err).Msg("Process stats unavailable")
	}

	frame, err := protocol.NewDataObject(protocol.TypeDiagnostics, "", map[string]any{
		"connections":         total,
		"connectionsByPath":   perEndpoint,
		"subscriptionsByTopic": h.index.Cardinality(),
		"droppedFrames":       h.DroppedTotal(),
		"recentUpgrades":      upgrades,
		"recentTerminations":  terminations,
		"process":             stats,
	})
	if err != nil {
		return err
	}
	frame.RequestID = f.RequestID
	c.Deliver(frame)
	return nil
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, f *protocol.Frame) error {
	if f.ContestID <= 0 {
		return protocol.Errf(protocol.CodeBadRequest, "missing contest id")
	}
	p := c.principal
	if p.Anonymous {
		return protocol.Errf(protocol.CodeUnauthorized, "authentication required to join a room")
	}
	if err := h.requireParticipant(ctx, f.ContestID, p.Wallet, p.Role.Admin()); err != nil {
		return err
	}
	return h.rooms.Join(f.ContestID, c)
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, f *protocol.Frame) error {
	p := c.principal
	if p.Anonymous {
		return protocol.Errf(protocol.CodeUnauthorized, "authentication required")
	}
	if f.NotificationID <= 0 {
		return protocol.Errf(protocol.CodeBadRequest, "missing notification id")
	}
	ok, err := h.store.MarkRead(ctx, f.NotificationID, p.Wallet)
	if err != nil {
		return err
	}
	if !ok {
		return protocol.Errf(protocol.CodeBadRequest, "notification %d not found", f.NotificationID)
	}
	confirm := protocol.New(protocol.TypeReadConfirmed)
	confirm.NotificationID = f.NotificationID
	confirm.RequestID = f.RequestID
	c.Deliver(confirm)
	return nil
}

func (h *Hub) handleGetUnread(ctx context.Context, c *Client, f *protocol.Frame) error {
	p := c.principal
	if p.Anonymous {
		return protocol.Errf(protocol.CodeUnauthorized, "authentication required")
	}
	entries, err := h.store.UnreadFor(ctx, p.Wallet, unreadLookback)
	if err != nil {
		return err
	}
	frame, err := protocol.NewDataObject(protocol.TypeUnread, topic.Notifications(p.Wallet).String(), entries)
	if err != nil {
		return err
	}
	frame.RequestID = f.RequestID
	c.Deliver(frame)
	return nil
}

// requestIDOf extracts the requestId from a raw frame so error replies
// can correlate even when full parsing failed.
func requestIDOf(raw []byte) string {
	var envelope struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	return envelope.RequestID
}
