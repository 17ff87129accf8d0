// Package notify pumps the durable notification outbox to connected
// recipients and enforces outbox retention. Delivery is at-least-once:
// the mark-delivered update runs after frames are handed to the
// transport, so a crash in between re-delivers on the next pump and
// clients dedupe by notification id.
package notify

import (
	"context"
	"time"

	"github.com/paperclash/realtime/internal/metrics"
	"github.com/paperclash/realtime/internal/protocol"
	"github.com/paperclash/realtime/internal/store"
	"github.com/paperclash/realtime/internal/topic"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	deliveryLookback = 7 * 24 * time.Hour
	batchLimit       = 100
	retentionWindow  = 30 * 24 * time.Hour
)

// DurableSender hands a frame to every connection subscribed to the
// wallet's notifications topic. Reports whether at least one connection
// accepted it. Implemented by the hub.
type DurableSender interface {
	DeliverDurable(wallet string, f *protocol.Frame) bool
}

// Deliverer is the outbox pump.
type Deliverer struct {
	store    *store.Store
	sender   DurableSender
	interval time.Duration
	logger   zerolog.Logger
}

func NewDeliverer(st *store.Store, sender DurableSender, interval time.Duration, logger zerolog.Logger) *Deliverer {
	return &Deliverer{
		store:    st,
		sender:   sender,
		interval: interval,
		logger:   logger.With().Str("component", "deliverer").Logger(),
	}
}

// Run pumps the outbox on the configured interval until the context is
// canceled. Intended to run under the subsystem supervisor.
func (d *Deliverer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.pump(ctx)
		}
	}
}

// pump executes one poll-deliver-mark cycle.
func (d *Deliverer) pump(ctx context.Context) {
	entries, err := d.store.PendingNotifications(ctx, deliveryLookback, batchLimit)
	if err != nil {
		metrics.DelivererBatches.WithLabelValues("error").Inc()
		d.logger.Error().Err(err).Msg("Outbox poll failed")
		return
	}
	if len(entries) == 0 {
		metrics.DelivererBatches.WithLabelValues("empty").Inc()
		return
	}

	byWallet := make(map[string][]store.OutboxEntry)
	for _, e := range entries {
		byWallet[e.Wallet] = append(byWallet[e.Wallet], e)
	}

	var delivered []int64
	for wallet, batch := range byWallet {
		for _, entry := range batch {
			frame, err := protocol.NewDataObject(protocol.TypeData, topic.Notifications(wallet).String(), entry)
			if err != nil {
				d.logger.Error().Err(err).Int64("id", entry.ID).Msg("Notification encode failed")
				continue
			}
			if d.sender.DeliverDurable(wallet, frame) {
				delivered = append(delivered, entry.ID)
			}
		}
	}

	if len(delivered) == 0 {
		metrics.DelivererBatches.WithLabelValues("no_recipients").Inc()
		return
	}
	if err := d.store.MarkDelivered(ctx, delivered); err != nil {
		// Entries stay undelivered; the next pump re-sends them.
		metrics.DelivererBatches.WithLabelValues("error").Inc()
		d.logger.Error().Err(err).Int("count", len(delivered)).Msg("Mark delivered failed")
		return
	}
	metrics.DelivererBatches.WithLabelValues("delivered").Inc()
	metrics.NotificationsDelivered.Add(float64(len(delivered)))
	d.logger.Debug().Int("count", len(delivered)).Msg("Notifications delivered")
}

// RunRetention purges delivered entries older than the retention window
// once a day. Blocks until the context is canceled.
func (d *Deliverer) RunRetention(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc("@daily", func() {
		purged, err := d.store.PurgeDelivered(ctx, retentionWindow)
		if err != nil {
			d.logger.Error().Err(err).Msg("Retention purge failed")
			return
		}
		if purged > 0 {
			metrics.NotificationsPurged.Add(float64(purged))
			d.logger.Info().Int64("purged", purged).Msg("Retention purge complete")
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stop := c.Stop()
	<-stop.Done()
	return ctx.Err()
}
