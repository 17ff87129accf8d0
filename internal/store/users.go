package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/paperclash/realtime/internal/auth"
)

// UserByWallet resolves a wallet address to a user record. Returns
// (nil, nil) when the wallet is unknown; the auth gate treats that the
// same as banned.
func (s *Store) UserByWallet(ctx context.Context, wallet string) (*auth.UserRecord, error) {
	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	const q = `
		SELECT id, wallet_address, nickname, role, is_banned
		FROM users
		WHERE wallet_address = $1`

	var rec auth.UserRecord
	var role string
	err := s.db.QueryRowContext(ctx, q, wallet).Scan(
		&rec.UserID, &rec.Wallet, &rec.Nickname, &role, &rec.Banned,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user by wallet: %w", err)
	}
	rec.Role = auth.Role(role)
	return &rec, nil
}
