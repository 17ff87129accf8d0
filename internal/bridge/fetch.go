package bridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request/reply snapshot fetches against the owning services. These back
// the snapshot cache; the cache's circuit breaker sits in front of them.

type fetchError struct {
	Error string `json:"error"`
}

func (b *Bridge) request(ctx context.Context, subject string, req any) (json.RawMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", subject, err)
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	msg, err := b.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	// Services reply {"error": "..."} on failure.
	var reply fetchError
	if json.Unmarshal(msg.Data, &reply) == nil && reply.Error != "" {
		return nil, fmt.Errorf("request %s: %s", subject, reply.Error)
	}
	return msg.Data, nil
}

// FetchBalance returns the wallet balance snapshot.
func (b *Bridge) FetchBalance(ctx context.Context, wallet string) (json.RawMessage, error) {
	return b.request(ctx, subjectBalanceRequest, map[string]string{"wallet": wallet})
}

// FetchTransactions returns a page of recent transactions.
func (b *Bridge) FetchTransactions(ctx context.Context, wallet, cursor string, limit int) (json.RawMessage, error) {
	return b.request(ctx, subjectTransactionsRequest, map[string]any{
		"wallet": wallet,
		"cursor": cursor,
		"limit":  limit,
	})
}

// FetchTokenDetail returns the detail snapshot for one symbol.
func (b *Bridge) FetchTokenDetail(ctx context.Context, symbol string) (json.RawMessage, error) {
	return b.request(ctx, subjectTokenDetailRequest, map[string]string{"symbol": symbol})
}

// FetchTokenList returns the full token list snapshot.
func (b *Bridge) FetchTokenList(ctx context.Context) (json.RawMessage, error) {
	return b.request(ctx, subjectTokenListRequest, struct{}{})
}

// PublishControl forwards an admin control command (start_sync,
// cancel_sync) to the owning service.
func (b *Bridge) PublishControl(ctx context.Context, action string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := b.nc.Publish(subjectControlPrefix+action, payload); err != nil {
		return fmt.Errorf("publish control %s: %w", action, err)
	}
	return b.nc.FlushWithContext(ctx)
}
