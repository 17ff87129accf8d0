package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Setting is one row of the system settings table. Keys are dotted
// category.name pairs ("ui.banner", "trading.max_leverage").
type Setting struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	UpdatedBy   string          `json:"updatedBy,omitempty"`
}

// Category returns the portion of the key before the first dot.
func (s Setting) Category() string {
	cat, _, _ := strings.Cut(s.Key, ".")
	return cat
}

// AllSettings loads the full settings table, used to build the cache
// snapshot on startup and after every admin update.
func (s *Store) AllSettings(ctx context.Context) ([]Setting, error) {
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	const q = `
		SELECT key, value, description, updated_at, COALESCE(updated_by, '')
		FROM system_settings
		ORDER BY key`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("all settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.Description, &st.UpdatedAt, &st.UpdatedBy); err != nil {
			return nil, fmt.Errorf("settings scan: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateSetting upserts a setting value and returns the stored row. The
// admin command handler refreshes the cache from this return value before
// acknowledging, so cache and store agree at ack time.
func (s *Store) UpdateSetting(ctx context.Context, key string, value json.RawMessage, updatedBy string) (*Setting, error) {
	ctx, cancel := s.writeCtx(ctx)
	defer cancel()

	const q = `
		INSERT INTO system_settings (key, value, updated_at, updated_by)
		VALUES ($1, $2, NOW(), $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = NOW(), updated_by = EXCLUDED.updated_by
		RETURNING key, value, COALESCE(description, ''), updated_at, COALESCE(updated_by, '')`

	var st Setting
	err := s.db.QueryRowContext(ctx, q, key, []byte(value), updatedBy).Scan(
		&st.Key, &st.Value, &st.Description, &st.UpdatedAt, &st.UpdatedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update setting: no row returned")
	}
	if err != nil {
		return nil, fmt.Errorf("update setting: %w", err)
	}
	return &st, nil
}
