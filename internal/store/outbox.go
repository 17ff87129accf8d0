package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Notification kinds the deliverer pumps. Rows with other kinds belong to
// channels this core does not serve (email digests etc.) and are skipped.
const (
	KindLevelUp            = "LEVEL_UP"
	KindAchievementUnlock  = "ACHIEVEMENT_UNLOCK"
	KindContestInvite      = "CONTEST_INVITE"
	KindSystemAnnouncement = "SYSTEM_ANNOUNCEMENT"
)

// DeliverableKinds is the kind filter of the delivery pump.
var DeliverableKinds = []string{
	KindLevelUp, KindAchievementUnlock, KindContestInvite, KindSystemAnnouncement,
}

// OutboxEntry mirrors one row of the durable notification outbox. The row
// is inserted by external writers; this core only reads it and flips the
// delivered/read flags.
type OutboxEntry struct {
	ID          int64           `json:"id"`
	Wallet      string          `json:"walletAddress"`
	Kind        string          `json:"type"`
	Payload     json.RawMessage `json:"data"`
	CreatedAt   time.Time       `json:"createdAt"`
	Delivered   bool            `json:"delivered"`
	DeliveredAt *time.Time      `json:"deliveredAt,omitempty"`
	Read        bool            `json:"read"`
	ReadAt      *time.Time      `json:"readAt,omitempty"`
}

const outboxColumns = `id, wallet_address, type, data, created_at, delivered, delivered_at, read, read_at`

func scanOutboxRows(rows *sql.Rows) ([]OutboxEntry, error) {
	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(
			&e.ID, &e.Wallet, &e.Kind, &e.Payload, &e.CreatedAt,
			&e.Delivered, &e.DeliveredAt, &e.Read, &e.ReadAt,
		); err != nil {
			return nil, fmt.Errorf("outbox scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PendingNotifications returns the oldest undelivered entries created
// within the lookback window, capped at limit.
func (s *Store) PendingNotifications(ctx context.Context, lookback time.Duration, limit int) ([]OutboxEntry, error) {
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	q := `
		SELECT ` + outboxColumns + `
		FROM notification_outbox
		WHERE delivered = false
		  AND created_at >= NOW() - $1::interval
		  AND type = ANY($2)
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, q, durationInterval(lookback), pq.Array(DeliverableKinds), limit)
	if err != nil {
		return nil, fmt.Errorf("pending notifications: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// UndeliveredFor returns the pending entries for one wallet; served as
// the snapshot on a notifications.<addr> subscribe.
func (s *Store) UndeliveredFor(ctx context.Context, wallet string) ([]OutboxEntry, error) {
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	q := `
		SELECT ` + outboxColumns + `
		FROM notification_outbox
		WHERE delivered = false AND wallet_address = $1
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, wallet)
	if err != nil {
		return nil, fmt.Errorf("undelivered for wallet: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// MarkDelivered flips delivered on the given ids in one statement.
// delivered_at is only set on the false->true transition so re-delivery
// after a crashed pump never rewrites the original timestamp.
func (s *Store) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	const q = `
		UPDATE notification_outbox
		SET delivered = true, delivered_at = NOW()
		WHERE id = ANY($1) AND delivered = false`

	if _, err := s.db.ExecContext(ctx, q, pq.Array(ids)); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkRead sets read on a single entry, only when it belongs to the
// requesting wallet and has already been delivered, so read_at can
// never precede delivered_at. Marking an entry that is already read
// matches again without rewriting the original read_at, so repeats are
// idempotent. Reports whether a row matched.
func (s *Store) MarkRead(ctx context.Context, id int64, wallet string) (bool, error) {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	const q = `
		UPDATE notification_outbox
		SET read = true, read_at = COALESCE(read_at, NOW())
		WHERE id = $1 AND wallet_address = $2 AND delivered = true`

	res, err := s.db.ExecContext(ctx, q, id, wallet)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark read rows: %w", err)
	}
	return n > 0, nil
}

// UnreadFor returns delivered-but-unread entries from the given lookback
// window for one wallet.
func (s *Store) UnreadFor(ctx context.Context, wallet string, lookback time.Duration) ([]OutboxEntry, error) {
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	q := `
		SELECT ` + outboxColumns + `
		FROM notification_outbox
		WHERE wallet_address = $1
		  AND delivered = true AND read = false
		  AND created_at >= NOW() - $2::interval
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, wallet, durationInterval(lookback))
	if err != nil {
		return nil, fmt.Errorf("unread for wallet: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// PurgeDelivered removes delivered entries older than the retention
// period and reports how many rows went.
func (s *Store) PurgeDelivered(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	const q = `
		DELETE FROM notification_outbox
		WHERE delivered = true AND delivered_at < NOW() - $1::interval`

	res, err := s.db.ExecContext(ctx, q, durationInterval(retention))
	if err != nil {
		return 0, fmt.Errorf("purge delivered: %w", err)
	}
	return res.RowsAffected()
}

func durationInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
