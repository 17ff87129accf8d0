package auth

import (
	"context"
	"errors"
	"net/http"
)

// ErrUnknownWallet is returned when a verified token names a wallet the
// users store has no record of, or one that is banned.
var ErrUnknownWallet = errors.New("auth: unknown or banned wallet")

// ErrTokenRequired is returned by Admit on endpoints that do not allow
// anonymous connections.
var ErrTokenRequired = errors.New("auth: session token required")

// UserRecord is the slice of the users store the gate needs.
type UserRecord struct {
	UserID   string
	Wallet   string
	Nickname string
	Role     Role
	Banned   bool
}

// UserDirectory resolves wallets to user records. Implemented by the
// Postgres store; faked in tests.
type UserDirectory interface {
	UserByWallet(ctx context.Context, wallet string) (*UserRecord, error)
}

// Gate admits or rejects upgrade requests for one endpoint class. The
// token policy (required or optional) is fixed at construction.
type Gate struct {
	verifier      *TokenVerifier
	directory     UserDirectory
	tokenRequired bool
}

func NewGate(verifier *TokenVerifier, directory UserDirectory, tokenRequired bool) *Gate {
	return &Gate{verifier: verifier, directory: directory, tokenRequired: tokenRequired}
}

// Admit extracts and verifies the session token and resolves the
// principal. On optional-token endpoints a missing token yields the
// anonymous principal.
func (g *Gate) Admit(ctx context.Context, r *http.Request) (Principal, error) {
	tokenString := TokenFromRequest(r)
	if tokenString == "" {
		if g.tokenRequired {
			return Principal{}, ErrTokenRequired
		}
		return Anonymous(), nil
	}

	claims, err := g.verifier.Verify(tokenString)
	if err != nil {
		return Principal{}, err
	}

	rec, err := g.directory.UserByWallet(ctx, claims.Wallet)
	if err != nil {
		return Principal{}, err
	}
	if rec == nil || rec.Banned {
		return Principal{}, ErrUnknownWallet
	}

	nickname := rec.Nickname
	if claims.Nickname != "" {
		nickname = claims.Nickname
	}
	return Principal{
		Wallet:   rec.Wallet,
		UserID:   rec.UserID,
		Nickname: nickname,
		Role:     rec.Role,
	}, nil
}
