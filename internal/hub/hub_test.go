package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/paperclash/realtime/internal/admin"
	"github.com/paperclash/realtime/internal/auth"
	"github.com/paperclash/realtime/internal/cache"
	"github.com/paperclash/realtime/internal/config"
	"github.com/paperclash/realtime/internal/protocol"
	"github.com/paperclash/realtime/internal/rooms"
	"github.com/paperclash/realtime/internal/store"
	"github.com/paperclash/realtime/internal/topic"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	fail bool

	// Context state observed at each transactions fetch, in call order.
	txCtxErrs []error
}

func (s *stubFetcher) FetchBalance(_ context.Context, wallet string) (json.RawMessage, error) {
	if s.fail {
		return nil, errors.New("upstream down")
	}
	return json.RawMessage(`{"wallet":"` + wallet + `"}`), nil
}

func (s *stubFetcher) FetchTransactions(ctx context.Context, wallet, _ string, _ int) (json.RawMessage, error) {
	s.txCtxErrs = append(s.txCtxErrs, ctx.Err())
	if s.fail {
		return nil, errors.New("upstream down")
	}
	return json.RawMessage(`{"wallet":"` + wallet + `","transactions":[]}`), nil
}

func (s *stubFetcher) FetchTokenDetail(_ context.Context, symbol string) (json.RawMessage, error) {
	if s.fail {
		return nil, errors.New("upstream down")
	}
	return json.RawMessage(`{"symbol":"` + symbol + `"}`), nil
}

func (s *stubFetcher) FetchTokenList(_ context.Context) (json.RawMessage, error) {
	if s.fail {
		return nil, errors.New("upstream down")
	}
	return json.RawMessage(`[{"symbol":"sol"}]`), nil
}

type fakePublisher struct {
	actions []string
	fail    bool
}

func (p *fakePublisher) PublishControl(_ context.Context, action string, _ []byte) error {
	if p.fail {
		return errors.New("bus down")
	}
	p.actions = append(p.actions, action)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		MaxConnections:      10,
		SendQueueSize:       16,
		MarketMessageLimit:  500,
		ContestMessageLimit: 120,
		DefaultMessageLimit: 100,
	}
}

func newTestHub(t *testing.T, cfg *config.Config, fetcher *stubFetcher) (*Hub, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db, time.Second, time.Second)

	mock.ExpectQuery(`SELECT key, value, description`).WillReturnRows(
		sqlmock.NewRows([]string{"key", "value", "description", "updated_at", "updated_by"}).
			AddRow("ui.banner", []byte(`"welcome"`), "", time.Now(), ""))
	settings, err := cache.NewSettings(context.Background(), st, zerolog.Nop())
	require.NoError(t, err)

	roomMgr := rooms.NewManager(10, 10*time.Second, zerolog.Nop())
	snaps := cache.NewSnapshots(fetcher, time.Minute, zerolog.Nop())
	h := New(cfg, st, snaps, settings, roomMgr, admin.NewRecorder(), nil, zerolog.Nop())
	t.Cleanup(func() {
		h.msgLimiter.Stop()
		roomMgr.Stop()
	})
	return h, mock
}

func endpointByName(t *testing.T, cfg *config.Config, name string) Endpoint {
	t.Helper()
	for _, ep := range Endpoints(cfg) {
		if ep.Name == name {
			return ep
		}
	}
	t.Fatalf("no endpoint %q", name)
	return Endpoint{}
}

// attachTestClient registers a client directly, bypassing the upgrade
// path, so dispatch can be exercised without a live websocket.
func attachTestClient(h *Hub, ep Endpoint, p auth.Principal) *Client {
	return attachTestClientConn(h, nil, ep, p)
}

func attachTestClientConn(h *Hub, conn *websocket.Conn, ep Endpoint, p auth.Principal) *Client {
	c := newClient(conn, ep, p, h, zerolog.Nop())
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

// newServerConn upgrades a loopback websocket and returns the server
// side, for paths that touch the transport during teardown.
func newServerConn(t *testing.T) *websocket.Conn {
	t.Helper()
	var upgrader websocket.Upgrader
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			conns <- conn
		}
	}))
	t.Cleanup(srv.Close)

	peer, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { peer.Close() })

	conn := <-conns
	t.Cleanup(func() { conn.Close() })
	return conn
}

func nextFrame(t *testing.T, c *Client) *protocol.Frame {
	t.Helper()
	select {
	case data := <-c.send:
		var f protocol.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return &f
	default:
		t.Fatal("expected a queued frame")
		return nil
	}
}

func requireNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame queued: %s", data)
	default:
	}
}

func userPrincipal(wallet string) auth.Principal {
	return auth.Principal{Wallet: wallet, Nickname: "tester", Role: auth.RoleUser}
}

func adminPrincipal(wallet string) auth.Principal {
	return auth.Principal{Wallet: wallet, Nickname: "admin", Role: auth.RoleAdmin}
}

func errCode(t *testing.T, err error) int {
	t.Helper()
	pe, ok := protocol.AsError(err)
	require.True(t, ok, "expected a protocol error, got %v", err)
	return pe.Code
}

func TestDispatchMalformedFrame(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), auth.Principal{Anonymous: true})

	err := h.dispatch(c, []byte(`{not json`))
	assert.Equal(t, protocol.CodeBadRequest, errCode(t, err))
}

func TestDispatchUnknownType(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), auth.Principal{Anonymous: true})

	err := h.dispatch(c, []byte(`{"type":"BOGUS"}`))
	assert.Equal(t, protocol.CodeUnknownType, errCode(t, err))
}

func TestPingAnswersWithPong(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), auth.Principal{Anonymous: true})

	require.NoError(t, h.dispatch(c, []byte(`{"type":"PING","requestId":"r1","timestamp":"2026-08-26T10:00:00Z"}`)))

	pong := nextFrame(t, c)
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.Equal(t, "r1", pong.RequestID)
	assert.JSONEq(t, `{"clientTimestamp":"2026-08-26T10:00:00Z"}`, string(pong.Data))
}

func TestMessageRateLimitSparesPing(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	ep := endpointByName(t, cfg, "market-data")
	ep.MessageLimit = 1
	c := attachTestClient(h, ep, auth.Principal{Anonymous: true})

	// First frame consumes the budget even though it fails.
	err := h.dispatch(c, []byte(`{"type":"UNSUBSCRIBE","topic":"market.tokens"}`))
	assert.Equal(t, protocol.CodeNotSubscribed, errCode(t, err))

	err = h.dispatch(c, []byte(`{"type":"UNSUBSCRIBE","topic":"market.tokens"}`))
	assert.Equal(t, protocol.CodeRateLimited, errCode(t, err))

	require.NoError(t, h.dispatch(c, []byte(`{"type":"PING"}`)))
	assert.Equal(t, protocol.TypePong, nextFrame(t, c).Type)
}

func TestSubscribeAckPrecedesSnapshot(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), auth.Principal{Anonymous: true})

	require.NoError(t, h.dispatch(c, []byte(`{"type":"SUBSCRIBE","topic":"market.tokens","requestId":"r1"}`)))

	ack := nextFrame(t, c)
	assert.Equal(t, protocol.TypeAcknowledgment, ack.Type)
	assert.Equal(t, "r1", ack.RequestID)
	assert.Equal(t, "market.tokens", ack.Topic)

	snapshot := nextFrame(t, c)
	assert.Equal(t, protocol.TypeTokenData, snapshot.Type)
	assert.JSONEq(t, `[{"symbol":"sol"}]`, string(snapshot.Data))

	assert.True(t, c.subscribed(topic.Market("tokens")))
	assert.Len(t, h.index.Subscribers(topic.Market("tokens")), 1)

	// Broadcasts observing the fresh subscriber queue up behind the ack
	// and the snapshot.
	h.Broadcast(topic.Market("tokens"), protocol.NewData(protocol.TypeTokenData, "market.tokens", json.RawMessage(`{"seq":1}`)))
	assert.JSONEq(t, `{"seq":1}`, string(nextFrame(t, c).Data))
}

func TestSubscribeTopicNotServedOnPath(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), userPrincipal("0xa"))

	err := h.dispatch(c, []byte(`{"type":"SUBSCRIBE","topic":"wallet.0xa"}`))
	assert.Equal(t, protocol.CodeBadRequest, errCode(t, err))
	requireNoFrame(t, c)
}

func TestSubscribeForeignWalletRejected(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "wallet"), userPrincipal("0xa"))

	err := h.dispatch(c, []byte(`{"type":"SUBSCRIBE","topic":"wallet.0xb"}`))
	assert.Equal(t, protocol.CodeUnauthorized, errCode(t, err))
	assert.Empty(t, h.index.Subscribers(topic.Wallet("0xb")))
}

func TestSubscribePrivateTopicAnonymous(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "wallet"), auth.Principal{Anonymous: true})

	err := h.dispatch(c, []byte(`{"type":"SUBSCRIBE","topic":"wallet.0xa"}`))
	assert.Equal(t, protocol.CodeUnauthorized, errCode(t, err))
}

func TestSubscribeContestRequiresParticipation(t *testing.T) {
	cfg := testConfig()
	h, mock := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "contest"), userPrincipal("0xa"))

	mock.ExpectQuery(`SELECT c.id, c.name, c.status`).WithArgs(int64(9)).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "status", "start_at", "end_at", "prize_pool", "count"}).
			AddRow(9, "Weekly", "active", time.Now(), time.Now().Add(time.Hour), "1000", 3))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs(int64(9), "0xa").WillReturnRows(
		sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := h.dispatch(c, []byte(`{"type":"SUBSCRIBE","topic":"contest.9"}`))
	assert.Equal(t, protocol.CodeNotParticipant, errCode(t, err))
}

func TestSubscribeContestNotFound(t *testing.T) {
	cfg := testConfig()
	h, mock := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "contest"), userPrincipal("0xa"))

	mock.ExpectQuery(`SELECT c.id, c.name, c.status`).WithArgs(int64(404)).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "status", "start_at", "end_at", "prize_pool", "count"}))

	err := h.dispatch(c, []byte(`{"type":"SUBSCRIBE","topic":"contest.404"}`))
	assert.Equal(t, protocol.CodeContestNotFound, errCode(t, err))
}

func TestSnapshotFailureKeepsSubscription(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{fail: true})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), auth.Principal{Anonymous: true})

	err := h.dispatch(c, []byte(`{"type":"SUBSCRIBE","topic":"market.tokens","requestId":"r1"}`))
	assert.Equal(t, protocol.CodeExternalService, errCode(t, err))

	// The ack went out and the subscription stands; live broadcasts will
	// still reach the client.
	assert.Equal(t, protocol.TypeAcknowledgment, nextFrame(t, c).Type)
	assert.Len(t, h.index.Subscribers(topic.Market("tokens")), 1)
}

func TestUnsubscribeWithoutSubscription(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), auth.Principal{Anonymous: true})

	err := h.dispatch(c, []byte(`{"type":"UNSUBSCRIBE","topic":"market.tokens"}`))
	assert.Equal(t, protocol.CodeNotSubscribed, errCode(t, err))
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), auth.Principal{Anonymous: true})

	require.NoError(t, h.dispatch(c, []byte(`{"type":"SUBSCRIBE","topic":"token.SOL"}`)))
	nextFrame(t, c) // ack
	nextFrame(t, c) // snapshot

	require.NoError(t, h.dispatch(c, []byte(`{"type":"UNSUBSCRIBE","topic":"token.sol"}`)))
	ack := nextFrame(t, c)
	assert.Equal(t, protocol.TypeAcknowledgment, ack.Type)
	assert.Empty(t, h.index.Subscribers(topic.Token("sol")))
	assert.False(t, c.subscribed(topic.Token("sol")))
}

func TestBroadcastOrderAndFilter(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), auth.Principal{Anonymous: true})
	key := topic.Market("tokens")
	h.index.Add(key, c)
	c.addSubscription(key)

	h.Broadcast(key, protocol.NewData(protocol.TypeTokenData, key.String(), json.RawMessage(`{"seq":1}`)))
	h.Broadcast(key, protocol.NewData(protocol.TypeTokenData, key.String(), json.RawMessage(`{"seq":2}`)))

	assert.JSONEq(t, `{"seq":1}`, string(nextFrame(t, c).Data))
	assert.JSONEq(t, `{"seq":2}`, string(nextFrame(t, c).Data))

	h.BroadcastFilter(key, protocol.NewData(protocol.TypeTokenData, key.String(), json.RawMessage(`{"seq":3}`)), func(*Client) bool { return false })
	requireNoFrame(t, c)
}

func TestBackpressureDropsNonDurableFrames(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueSize = 1
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), auth.Principal{Anonymous: true})

	frame := protocol.NewData(protocol.TypeTokenData, "market.tokens", json.RawMessage(`{}`))
	c.Deliver(frame)
	c.Deliver(frame)
	c.Deliver(frame)

	assert.Equal(t, int64(2), c.Dropped())
	nextFrame(t, c)
	requireNoFrame(t, c)
}

func TestDeliverDurableNoSubscribers(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})

	frame := protocol.NewData(protocol.TypeData, topic.Notifications("0xa").String(), json.RawMessage(`{}`))
	assert.False(t, h.DeliverDurable("0xa", frame))
}

func TestDeliverDurableCongestedClosesConnection(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueSize = 1
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClientConn(h, newServerConn(t), endpointByName(t, cfg, "notifications"), userPrincipal("0xa"))
	key := topic.Notifications("0xa")
	h.index.Add(key, c)
	c.addSubscription(key)

	// Fill the queue; no write pump is draining it.
	c.Deliver(protocol.NewData(protocol.TypeData, key.String(), json.RawMessage(`{"id":1}`)))

	frame := protocol.NewData(protocol.TypeData, key.String(), json.RawMessage(`{"id":2}`))
	assert.False(t, h.DeliverDurable("0xa", frame),
		"failed durable delivery must be reported so the outbox entry stays undelivered")
	assert.Equal(t, "congested", c.terminationReason())

	// The closed connection refuses further durable frames outright.
	require.Error(t, c.DeliverDurable(frame))
}

func TestShutdownCancelsHandlerContext(t *testing.T) {
	cfg := testConfig()
	fetcher := &stubFetcher{}
	h, _ := newTestHub(t, cfg, fetcher)
	c := attachTestClientConn(h, newServerConn(t), endpointByName(t, cfg, "wallet"), userPrincipal("0xa"))

	require.NoError(t, h.dispatch(c, []byte(`{"type":"REQUEST","action":"transactions","data":{"cursor":"a"}}`)))
	c.shutdown(websocket.CloseNormalClosure, "peer_closed")
	_ = h.dispatch(c, []byte(`{"type":"REQUEST","action":"transactions","data":{"cursor":"b"}}`))

	require.Len(t, fetcher.txCtxErrs, 2)
	assert.NoError(t, fetcher.txCtxErrs[0])
	assert.ErrorIs(t, fetcher.txCtxErrs[1], context.Canceled)
}

func TestDeliverDurableReachesSubscriber(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "notifications"), userPrincipal("0xa"))
	key := topic.Notifications("0xa")
	h.index.Add(key, c)
	c.addSubscription(key)

	frame := protocol.NewData(protocol.TypeData, key.String(), json.RawMessage(`{"id":1}`))
	assert.True(t, h.DeliverDurable("0xa", frame))
	assert.JSONEq(t, `{"id":1}`, string(nextFrame(t, c).Data))
}

func TestUnregisterRemovesAllState(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), auth.Principal{Anonymous: true})
	key := topic.Market("tokens")
	h.index.Add(key, c)
	c.addSubscription(key)

	h.unregister(c)

	total, _ := h.ConnectionCounts()
	assert.Equal(t, 0, total)
	assert.Empty(t, h.index.Subscribers(key))

	// Idempotent for a client that is already gone.
	h.unregister(c)
}

func TestCommandRequiresAdmin(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "system-settings"), userPrincipal("0xa"))

	err := h.dispatch(c, []byte(`{"type":"COMMAND","action":"update_setting","key":"ui.banner","value":"x"}`))
	assert.Equal(t, protocol.CodeUnauthorized, errCode(t, err))
}

func TestUpdateSettingPersistsAcksAndFansOut(t *testing.T) {
	cfg := testConfig()
	h, mock := newTestHub(t, cfg, &stubFetcher{})
	adminClient := attachTestClient(h, endpointByName(t, cfg, "system-settings"), adminPrincipal("0xadmin"))

	watcher := attachTestClient(h, endpointByName(t, cfg, "system-settings"), adminPrincipal("0xwatcher"))
	h.index.Add(topic.Settings("*"), watcher)
	watcher.addSubscription(topic.Settings("*"))

	mock.ExpectQuery(`INSERT INTO system_settings`).
		WithArgs("ui.banner", []byte(`"maintenance"`), "0xadmin").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "description", "updated_at", "updated_by"}).
			AddRow("ui.banner", []byte(`"maintenance"`), "", time.Now(), "0xadmin"))

	require.NoError(t, h.dispatch(adminClient,
		[]byte(`{"type":"COMMAND","action":"update_setting","key":"ui.banner","value":"maintenance","requestId":"r9"}`)))

	ack := nextFrame(t, adminClient)
	assert.Equal(t, protocol.TypeAcknowledgment, ack.Type)
	assert.Equal(t, "r9", ack.RequestID)

	update := nextFrame(t, watcher)
	assert.Equal(t, protocol.TypeSettingUpdate, update.Type)

	set, ok := h.settings.Get("ui.banner")
	require.True(t, ok)
	assert.JSONEq(t, `"maintenance"`, string(set.Value))
}

func TestSyncCommandWithoutBus(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "system-settings"), adminPrincipal("0xadmin"))

	err := h.dispatch(c, []byte(`{"type":"COMMAND","action":"start_sync"}`))
	assert.Equal(t, protocol.CodeExternalService, errCode(t, err))
}

func TestSyncCommandPublishesControl(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	pub := &fakePublisher{}
	h.publisher = pub
	c := attachTestClient(h, endpointByName(t, cfg, "system-settings"), adminPrincipal("0xadmin"))

	require.NoError(t, h.dispatch(c, []byte(`{"type":"COMMAND","action":"START_SYNC","requestId":"r2"}`)))
	assert.Equal(t, []string{"start_sync"}, pub.actions)
	ack := nextFrame(t, c)
	assert.Equal(t, protocol.TypeAcknowledgment, ack.Type)
	assert.Equal(t, "r2", ack.RequestID)
}

func TestDiagnosticsCommand(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "system-settings"), adminPrincipal("0xadmin"))

	require.NoError(t, h.dispatch(c, []byte(`{"type":"COMMAND","action":"get_websocket_diagnostics","requestId":"r3"}`)))

	frame := nextFrame(t, c)
	assert.Equal(t, protocol.TypeDiagnostics, frame.Type)
	assert.Equal(t, "r3", frame.RequestID)

	var payload struct {
		Connections int `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, 1, payload.Connections)
}

func TestRequestBalancesCorrelatesReply(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "wallet"), userPrincipal("0xa"))

	require.NoError(t, h.dispatch(c, []byte(`{"type":"REQUEST","action":"balances","requestId":"r7"}`)))

	frame := nextFrame(t, c)
	assert.Equal(t, protocol.TypeWalletState, frame.Type)
	assert.Equal(t, "r7", frame.RequestID)
	assert.Equal(t, "wallet.0xa", frame.Topic)
}

func TestRequestTokenDetailRequiresSymbol(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "market-data"), auth.Principal{Anonymous: true})

	err := h.dispatch(c, []byte(`{"type":"REQUEST","action":"token_detail","data":{}}`))
	assert.Equal(t, protocol.CodeBadRequest, errCode(t, err))

	require.NoError(t, h.dispatch(c, []byte(`{"type":"REQUEST","action":"token_detail","data":{"symbol":"SOL"}}`)))
	frame := nextFrame(t, c)
	assert.Equal(t, protocol.TypeTokenData, frame.Type)
	assert.Equal(t, "token.sol", frame.Topic)
}

func TestMarkReadConfirms(t *testing.T) {
	cfg := testConfig()
	h, mock := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "notifications"), userPrincipal("0xa"))

	mock.ExpectExec(`UPDATE notification_outbox\s+SET read = true,.+\s+WHERE .+ delivered = true`).
		WithArgs(int64(42), "0xa").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, h.dispatch(c, []byte(`{"type":"MARK_READ","notificationId":42,"requestId":"r5"}`)))

	frame := nextFrame(t, c)
	assert.Equal(t, protocol.TypeReadConfirmed, frame.Type)
	assert.Equal(t, int64(42), frame.NotificationID)
	assert.Equal(t, "r5", frame.RequestID)
}

func TestMarkReadForeignNotification(t *testing.T) {
	cfg := testConfig()
	h, mock := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "notifications"), userPrincipal("0xa"))

	mock.ExpectExec(`UPDATE notification_outbox`).
		WithArgs(int64(42), "0xa").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := h.dispatch(c, []byte(`{"type":"MARK_READ","notificationId":42}`))
	assert.Equal(t, protocol.CodeBadRequest, errCode(t, err))
}

// An id a client learned from its subscribe snapshot (undelivered
// entries) must not be markable before the pump delivers it; the update
// predicate keeps read behind delivered.
func TestMarkReadUndeliveredRejected(t *testing.T) {
	cfg := testConfig()
	h, mock := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "notifications"), userPrincipal("0xa"))

	mock.ExpectExec(`UPDATE notification_outbox\s+SET read = true,.+\s+WHERE .+ delivered = true`).
		WithArgs(int64(77), "0xa").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := h.dispatch(c, []byte(`{"type":"MARK_READ","notificationId":77,"requestId":"r6"}`))
	assert.Equal(t, protocol.CodeBadRequest, errCode(t, err))
	requireNoFrame(t, c)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachRejectsWhenFullOrDraining(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	ep := endpointByName(t, cfg, "market-data")
	attachTestClient(h, ep, auth.Principal{Anonymous: true})

	r := httptest.NewRequest(http.MethodGet, "/ws/market-data", nil)
	assert.False(t, h.Attach(nil, ep, auth.Principal{Anonymous: true}, r))

	h.mu.Lock()
	h.clients = make(map[string]*Client)
	h.shuttingDown = true
	h.mu.Unlock()
	assert.False(t, h.Attach(nil, ep, auth.Principal{Anonymous: true}, r))
}

func TestRefreshContestsBroadcastsStateAndLeaderboard(t *testing.T) {
	cfg := testConfig()
	h, mock := newTestHub(t, cfg, &stubFetcher{})
	c := attachTestClient(h, endpointByName(t, cfg, "contest"), userPrincipal("0xa"))
	key := topic.Key{Namespace: topic.NSContest, Scope: "9"}
	h.index.Add(key, c)
	c.addSubscription(key)

	mock.ExpectQuery(`SELECT c.id, c.name, c.status`).WithArgs(int64(9)).WillReturnRows(
		sqlmock.NewRows([]string{"id", "name", "status", "start_at", "end_at", "prize_pool", "count"}).
			AddRow(9, "Weekly", "active", time.Now(), time.Now().Add(time.Hour), "1000", 3))
	mock.ExpectQuery(`SELECT rank, wallet_address, nickname`).WithArgs(int64(9), 100).WillReturnRows(
		sqlmock.NewRows([]string{"rank", "wallet_address", "nickname", "portfolio_value", "pnl_percent"}).
			AddRow(1, "0xa", "tester", "1500", "50"))

	h.refreshContests(context.Background())

	state := nextFrame(t, c)
	assert.Equal(t, protocol.TypeContestUpdated, state.Type)
	assert.Equal(t, "contest.9", state.Topic)
	lb := nextFrame(t, c)
	assert.Equal(t, protocol.TypeLeaderboard, lb.Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshContestsSkipsWhenNobodySubscribed(t *testing.T) {
	cfg := testConfig()
	h, mock := newTestHub(t, cfg, &stubFetcher{})

	h.refreshContests(context.Background())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestServiceMetricsReachOnlyAdminSubscribers(t *testing.T) {
	cfg := testConfig()
	h, _ := newTestHub(t, cfg, &stubFetcher{})
	user := attachTestClient(h, endpointByName(t, cfg, "wallet"), userPrincipal("0xa"))
	operator := attachTestClient(h, endpointByName(t, cfg, "wallet"), adminPrincipal("0xb"))
	for _, sub := range []struct {
		c   *Client
		key topic.Key
	}{{user, topic.Wallet("0xa")}, {operator, topic.Wallet("0xb")}} {
		h.index.Add(sub.key, sub.c)
		sub.c.addSubscription(sub.key)
	}

	h.emitServiceMetrics()

	frame := nextFrame(t, operator)
	assert.Equal(t, protocol.TypeServiceMetrics, frame.Type)
	assert.Equal(t, "wallet.0xb", frame.Topic)
	requireNoFrame(t, user)
}

func TestRequestIDOf(t *testing.T) {
	assert.Equal(t, "abc", requestIDOf([]byte(`{"type":"SUBSCRIBE","requestId":"abc"}`)))
	assert.Empty(t, requestIDOf([]byte(`{broken`)))
}
