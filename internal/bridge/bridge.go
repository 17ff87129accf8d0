// Package bridge connects the internal NATS service bus to the hub. It
// is a pure translation layer: inbound service events become topic
// broadcasts, and snapshot fetches become request/reply calls to the
// owning services. Bridge failures are logged and never reach clients.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/paperclash/realtime/internal/logging"
	"github.com/paperclash/realtime/internal/metrics"
	"github.com/paperclash/realtime/internal/protocol"
	"github.com/paperclash/realtime/internal/topic"
	"github.com/rs/zerolog"
)

// Internal bus subjects. Event subjects are published by the owning
// services; request subjects serve snapshot fetches.
const (
	subjectMarketBroadcast = "svc.market.broadcast"
	subjectTokenUpdate     = "svc.token.update"
	subjectWalletChange    = "svc.wallet.account"
	subjectSettingUpdate   = "svc.settings.update"

	subjectBalanceRequest      = "svc.wallet.balance"
	subjectTransactionsRequest = "svc.wallet.transactions"
	subjectTokenDetailRequest  = "svc.market.token"
	subjectTokenListRequest    = "svc.market.tokens"

	subjectControlPrefix = "svc.control."

	requestTimeout = 3 * time.Second
)

// Broadcaster fans a frame out to topic subscribers. Implemented by the
// hub.
type Broadcaster interface {
	Broadcast(key topic.Key, f *protocol.Frame)
}

// Invalidator drops cached wallet state after an account change.
type Invalidator interface {
	Invalidate(wallet string)
}

// Bridge owns the NATS connection and the event subscriptions.
type Bridge struct {
	nc          *nats.Conn
	broadcaster Broadcaster
	invalidator Invalidator

	// onSettingChange refreshes the settings cache when another service
	// writes a setting. Optional.
	onSettingChange func(context.Context)

	subs   []*nats.Subscription
	logger zerolog.Logger
}

// New connects to the bus. The connection reconnects indefinitely;
// events published while disconnected are lost, which is acceptable for
// snapshot-repairable feeds.
func New(url string, broadcaster Broadcaster, invalidator Invalidator, onSettingChange func(context.Context), logger zerolog.Logger) (*Bridge, error) {
	log := logger.With().Str("component", "bridge").Logger()
	b := &Bridge{
		broadcaster:     broadcaster,
		invalidator:     invalidator,
		onSettingChange: onSettingChange,
		logger:          log,
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}
	b.nc = nc
	return b, nil
}

// Start installs the event subscriptions.
func (b *Bridge) Start() error {
	for subject, handler := range map[string]nats.MsgHandler{
		subjectMarketBroadcast: b.handleMarketBroadcast,
		subjectTokenUpdate:     b.handleTokenUpdate,
		subjectWalletChange:    b.handleWalletChange,
		subjectSettingUpdate:   b.handleSettingUpdate,
	} {
		sub, err := b.nc.Subscribe(subject, b.contained(subject, handler))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	b.logger.Info().Int("subscriptions", len(b.subs)).Msg("Bridge started")
	return nil
}

// contained wraps a handler so a panic in event translation is logged
// and dropped instead of killing the NATS callback goroutine.
func (b *Bridge) contained(subject string, handler nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer logging.RecoverPanic(b.logger, "bridge:"+subject, nil)
		handler(msg)
	}
}

type marketBroadcast struct {
	Tokens  json.RawMessage `json:"tokens"`
	Summary json.RawMessage `json:"summary"`
}

func (b *Bridge) handleMarketBroadcast(msg *nats.Msg) {
	var event marketBroadcast
	if err := json.Unmarshal(msg.Data, &event); err != nil || len(event.Tokens) == 0 {
		b.dropMalformed("market_broadcast", err)
		return
	}
	metrics.BridgeEvents.WithLabelValues("market_broadcast").Inc()
	b.broadcaster.Broadcast(topic.Market("tokens"),
		protocol.NewData(protocol.TypeTokenData, topic.Market("tokens").String(), event.Tokens))
	if len(event.Summary) > 0 {
		b.broadcaster.Broadcast(topic.Market("summary"),
			protocol.NewData(protocol.TypeMarketData, topic.Market("summary").String(), event.Summary))
	}
}

type tokenUpdate struct {
	Symbol string          `json:"symbol"`
	Token  json.RawMessage `json:"token"`
}

func (b *Bridge) handleTokenUpdate(msg *nats.Msg) {
	var event tokenUpdate
	if err := json.Unmarshal(msg.Data, &event); err != nil || event.Symbol == "" || len(event.Token) == 0 {
		b.dropMalformed("token_update", err)
		return
	}
	metrics.BridgeEvents.WithLabelValues("token_update").Inc()
	key := topic.Token(event.Symbol)
	b.broadcaster.Broadcast(key, protocol.NewData(protocol.TypeTokenUpdate, key.String(), event.Token))
}

type walletChange struct {
	Wallet string          `json:"wallet"`
	State  json.RawMessage `json:"state"`
}

func (b *Bridge) handleWalletChange(msg *nats.Msg) {
	var event walletChange
	if err := json.Unmarshal(msg.Data, &event); err != nil || event.Wallet == "" {
		b.dropMalformed("wallet_change", err)
		return
	}
	metrics.BridgeEvents.WithLabelValues("wallet_change").Inc()
	if b.invalidator != nil {
		b.invalidator.Invalidate(event.Wallet)
	}
	key := topic.Wallet(event.Wallet)
	b.broadcaster.Broadcast(key, protocol.NewData(protocol.TypeWalletUpdate, key.String(), event.State))
}

type settingChange struct {
	Key     string          `json:"key"`
	Setting json.RawMessage `json:"setting"`
}

func (b *Bridge) handleSettingUpdate(msg *nats.Msg) {
	var event settingChange
	if err := json.Unmarshal(msg.Data, &event); err != nil || event.Key == "" {
		b.dropMalformed("setting_update", err)
		return
	}
	metrics.BridgeEvents.WithLabelValues("setting_update").Inc()
	if b.onSettingChange != nil {
		b.onSettingChange(context.Background())
	}
	frame := protocol.NewData(protocol.TypeSettingUpdate, topic.Settings(event.Key).String(), event.Setting)
	b.broadcaster.Broadcast(topic.Settings(event.Key), frame)
	if category, _, found := strings.Cut(event.Key, "."); found {
		b.broadcaster.Broadcast(topic.Settings(category), frame)
	}
	b.broadcaster.Broadcast(topic.Settings("*"), frame)
}

func (b *Bridge) dropMalformed(event string, err error) {
	metrics.BridgeEvents.WithLabelValues("malformed").Inc()
	b.logger.Warn().Err(err).Str("event", event).Msg("Malformed bus event dropped")
}

// Close drains the subscriptions and the connection.
func (b *Bridge) Close() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
	}
}

