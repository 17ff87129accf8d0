package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/paperclash/realtime/internal/protocol"
	"github.com/paperclash/realtime/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	balanceCalls int
	txCalls      int
	fail         bool
}

func (f *fakeFetcher) FetchBalance(_ context.Context, wallet string) (json.RawMessage, error) {
	f.balanceCalls++
	if f.fail {
		return nil, errors.New("service down")
	}
	return json.RawMessage(`{"wallet":"` + wallet + `","balance":"100"}`), nil
}

func (f *fakeFetcher) FetchTransactions(_ context.Context, wallet, cursor string, _ int) (json.RawMessage, error) {
	f.txCalls++
	if f.fail {
		return nil, errors.New("service down")
	}
	return json.RawMessage(`{"wallet":"` + wallet + `","cursor":"` + cursor + `"}`), nil
}

func (f *fakeFetcher) FetchTokenDetail(_ context.Context, symbol string) (json.RawMessage, error) {
	return json.RawMessage(`{"symbol":"` + symbol + `"}`), nil
}

func (f *fakeFetcher) FetchTokenList(_ context.Context) (json.RawMessage, error) {
	return json.RawMessage(`[{"symbol":"sol"}]`), nil
}

func TestBalanceFetchesThroughOnce(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := NewSnapshots(fetcher, time.Minute, zerolog.Nop())

	first, err := c.Balance(context.Background(), "0xabc")
	require.NoError(t, err)
	second, err := c.Balance(context.Background(), "0xabc")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fetcher.balanceCalls)
}

func TestTransactionsKeyedByCursor(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := NewSnapshots(fetcher, time.Minute, zerolog.Nop())

	_, err := c.Transactions(context.Background(), "0xabc", "", 5)
	require.NoError(t, err)
	_, err = c.Transactions(context.Background(), "0xabc", "page2", 5)
	require.NoError(t, err)
	_, err = c.Transactions(context.Background(), "0xabc", "page2", 5)
	require.NoError(t, err)

	assert.Equal(t, 2, fetcher.txCalls)
}

func TestFetchFailureIsTypedAndNotCached(t *testing.T) {
	fetcher := &fakeFetcher{fail: true}
	c := NewSnapshots(fetcher, time.Minute, zerolog.Nop())

	_, err := c.Balance(context.Background(), "0xabc")
	require.Error(t, err)
	pe, ok := protocol.AsError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeExternalService, pe.Code)

	// Recovery is immediate once the upstream heals; no stale error is
	// served from cache.
	fetcher.fail = false
	_, err = c.Balance(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.balanceCalls)
}

func TestInvalidateDropsWalletState(t *testing.T) {
	fetcher := &fakeFetcher{}
	c := NewSnapshots(fetcher, time.Minute, zerolog.Nop())

	_, err := c.Balance(context.Background(), "0xabc")
	require.NoError(t, err)
	_, err = c.Transactions(context.Background(), "0xabc", "", 5)
	require.NoError(t, err)

	c.Invalidate("0xabc")

	_, err = c.Balance(context.Background(), "0xabc")
	require.NoError(t, err)
	_, err = c.Transactions(context.Background(), "0xabc", "", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.balanceCalls)
	assert.Equal(t, 2, fetcher.txCalls)
}

func newSettingsCache(t *testing.T, rows *sqlmock.Rows) *Settings {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db, time.Second, time.Second)

	mock.ExpectQuery(`SELECT key, value, description, updated_at`).WillReturnRows(rows)
	s, err := NewSettings(context.Background(), st, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func settingsRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"key", "value", "description", "updated_at", "updated_by"}).
		AddRow("ui.banner", []byte(`"welcome"`), "", time.Now(), "").
		AddRow("ui.theme", []byte(`"dark"`), "", time.Now(), "").
		AddRow("trading.max_leverage", []byte(`5`), "", time.Now(), "")
}

func TestSettingsSnapshot(t *testing.T) {
	s := newSettingsCache(t, settingsRows())

	set, ok := s.Get("ui.banner")
	require.True(t, ok)
	assert.JSONEq(t, `"welcome"`, string(set.Value))

	assert.Len(t, s.All(), 3)
	assert.Len(t, s.Category("ui"), 2)
	assert.Len(t, s.Category("trading"), 1)
	assert.Empty(t, s.Category("missing"))
}

func TestSettingsPutDoesNotMutateOldSnapshot(t *testing.T) {
	s := newSettingsCache(t, settingsRows())

	before := s.All()
	s.Put(store.Setting{Key: "ui.banner", Value: json.RawMessage(`"changed"`)})

	// The previously taken snapshot is immutable.
	for _, set := range before {
		if set.Key == "ui.banner" {
			assert.JSONEq(t, `"welcome"`, string(set.Value))
		}
	}
	after, ok := s.Get("ui.banner")
	require.True(t, ok)
	assert.JSONEq(t, `"changed"`, string(after.Value))
}

func TestSettingsPutAddsNewKey(t *testing.T) {
	s := newSettingsCache(t, settingsRows())

	s.Put(store.Setting{Key: "chat.enabled", Value: json.RawMessage(`true`)})
	_, ok := s.Get("chat.enabled")
	assert.True(t, ok)
	assert.Len(t, s.All(), 4)
}
