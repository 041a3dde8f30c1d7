package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/acl"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/bus"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/database"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	reason error
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Close(reason error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

func (c *fakeConn) closedWith() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

type harness struct {
	m       *Manager
	clock   *clock.Mock
	store   database.Store
	metrics *metrics.Metrics
	bus     *bus.Bus
	conns   int
}

type harnessOption func(*Options, *Dependencies)

func withRules(policy acl.Permission, rules ...acl.Rule) harnessOption {
	return func(_ *Options, deps *Dependencies) {
		evaluator, err := acl.NewEvaluator(acl.Options{DefaultPolicy: policy}, rules)
		if err != nil {
			panic(err)
		}
		deps.ACL = evaluator
	}
}

func withStore(store database.Store) harnessOption {
	return func(_ *Options, deps *Dependencies) {
		deps.Store = store
	}
}

func withOptions(fn func(*Options)) harnessOption {
	return func(opts *Options, _ *Dependencies) {
		fn(opts)
	}
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	evaluator, err := acl.NewEvaluator(acl.Options{DefaultPolicy: acl.Allow}, nil)
	require.NoError(t, err)

	h := &harness{clock: mock, metrics: metrics.New(nil), bus: bus.New(16)}
	opts := Options{MaxQoS: mqtt.AtLeastOnce, OutboxSize: 100}
	deps := Dependencies{
		Clock:         mock,
		ACL:           evaluator,
		Authenticator: auth.AllowAnonymous{},
		Bus:           h.bus,
		Metrics:       h.metrics,
	}
	for _, option := range options {
		option(&opts, &deps)
	}
	h.store = deps.Store
	h.m, err = New(opts, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.bus.Close() })
	return h
}

func (h *harness) connect(t *testing.T, clientID string, clean bool, modify ...func(*ConnectRequest)) (*fakeConn, *ConnectResult) {
	t.Helper()
	h.conns++
	conn := &fakeConn{id: clientID + "-conn-" + string(rune('a'+h.conns))}
	req := ConnectRequest{
		ClientID:     clientID,
		CleanSession: clean,
		Protocol:     mqtt.ProtocolV311,
		Conn:         conn,
	}
	for _, fn := range modify {
		fn(&req)
	}
	result, err := h.m.HandleConnect(context.Background(), req)
	require.NoError(t, err)
	return conn, result
}

func (h *harness) subscribe(t *testing.T, clientID string, filter string, qos mqtt.QoS) mqtt.QoS {
	t.Helper()
	granted, err := h.m.HandleSubscribe(context.Background(), clientID, filter, qos)
	require.NoError(t, err)
	return granted
}

func (h *harness) publish(t *testing.T, clientID string, topic string, payload string, qos mqtt.QoS, retain bool) DeliveryOutcome {
	t.Helper()
	outcome, err := h.m.HandlePublish(context.Background(), clientID, &mqtt.Message{
		Topic: topic, Payload: []byte(payload), QoS: qos, Retain: retain,
	})
	require.NoError(t, err)
	return outcome
}

func (h *harness) deliveries(t *testing.T, clientID string) []*session.Delivery {
	t.Helper()
	s, ok := h.m.Session(clientID)
	require.True(t, ok, "session %s", clientID)
	return s.TakeDeliveries()
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.persist.flush(context.Background()))
}

func subscriberIDs(m *Manager, topic string) []string {
	var ids []string
	for _, sub := range m.Subscribers(topic) {
		ids = append(ids, sub.ClientID)
	}
	return ids
}

func TestFanOutCapsQoSPerSubscriber(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "A", true)
	h.connect(t, "B", true)
	h.connect(t, "C", true)
	h.connect(t, "P", true)
	h.subscribe(t, "A", "sensors/+/temp", mqtt.AtLeastOnce)
	h.subscribe(t, "B", "sensors/#", mqtt.AtMostOnce)
	h.subscribe(t, "C", "sensors/room1/humidity", mqtt.AtLeastOnce)

	outcome := h.publish(t, "P", "sensors/room1/temp", "21.5", mqtt.AtLeastOnce, false)
	assert.Equal(t, 2, outcome.Matched)
	assert.Equal(t, 2, outcome.Delivered)
	assert.True(t, outcome.Bridged)

	a := h.deliveries(t, "A")
	require.Len(t, a, 1)
	assert.Equal(t, mqtt.AtLeastOnce, a[0].Message.QoS)
	assert.NotZero(t, a[0].PacketID)
	assert.Equal(t, "21.5", string(a[0].Message.Payload))

	b := h.deliveries(t, "B")
	require.Len(t, b, 1)
	assert.Equal(t, mqtt.AtMostOnce, b[0].Message.QoS)
	assert.Zero(t, b[0].PacketID)

	assert.Empty(t, h.deliveries(t, "C"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PublishesReceived.WithLabelValues("1")))
}

func TestOverlappingFiltersDeliverOnce(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "A", true)
	h.subscribe(t, "A", "home/#", mqtt.AtMostOnce)
	h.subscribe(t, "A", "home/+/light", mqtt.AtLeastOnce)

	h.publish(t, "A", "home/kitchen/light", "on", mqtt.AtLeastOnce, false)
	got := h.deliveries(t, "A")
	require.Len(t, got, 1)
	assert.Equal(t, mqtt.AtLeastOnce, got[0].Message.QoS)
}

func TestSessionTakeover(t *testing.T) {
	h := newHarness(t)
	first, _ := h.connect(t, "dev1", false, func(r *ConnectRequest) {
		r.Will = &mqtt.Message{Topic: "status/dev1", Payload: []byte("offline")}
	})
	h.subscribe(t, "dev1", "cmd/dev1", mqtt.AtLeastOnce)

	h.connect(t, "watcher", true)
	h.subscribe(t, "watcher", "status/#", mqtt.AtMostOnce)

	second, result := h.connect(t, "dev1", false)
	assert.True(t, result.Takeover)
	assert.True(t, result.SessionPresent)
	closed, reason := first.closedWith()
	assert.True(t, closed)
	assert.ErrorIs(t, reason, ErrSessionTakenOver)
	assert.Equal(t, []string{"dev1"}, subscriberIDs(h.m, "cmd/dev1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Takeovers))

	// 旧连接随后报告断开，不能影响新会话，也不发布旧遗嘱
	require.NoError(t, h.m.HandleDisconnect(context.Background(), "dev1", first, false))
	s, ok := h.m.Session("dev1")
	require.True(t, ok)
	assert.True(t, s.IsBoundTo(second))
	assert.Empty(t, h.deliveries(t, "watcher"))

	_, result = h.connect(t, "dev1", true)
	assert.True(t, result.Takeover)
	assert.False(t, result.SessionPresent)
	assert.Empty(t, subscriberIDs(h.m, "cmd/dev1"))
	assert.Equal(t, 2, h.m.Stats().Connected)
}

func TestWillPublishedOnlyOnUngracefulDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "watcher", true)
	h.subscribe(t, "watcher", "status/+", mqtt.AtLeastOnce)

	will := func(r *ConnectRequest) {
		r.Will = &mqtt.Message{Topic: "status/dev1", Payload: []byte("offline"), QoS: mqtt.AtLeastOnce}
	}
	conn, _ := h.connect(t, "dev1", true, will)
	require.NoError(t, h.m.HandleDisconnect(context.Background(), "dev1", conn, true))
	assert.Empty(t, h.deliveries(t, "watcher"))

	conn, _ = h.connect(t, "dev1", true, will)
	require.NoError(t, h.m.HandleDisconnect(context.Background(), "dev1", conn, false))
	require.NoError(t, h.m.HandleDisconnect(context.Background(), "dev1", conn, false))
	got := h.deliveries(t, "watcher")
	require.Len(t, got, 1)
	assert.Equal(t, "status/dev1", got[0].Message.Topic)
	assert.Equal(t, "offline", string(got[0].Message.Payload))

	_, ok := h.m.Session("dev1")
	assert.False(t, ok, "clean session must be purged")
}

func TestRetainedReplayAndClear(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "P", true)
	outcome := h.publish(t, "P", "sensors/room1/temp", "20", mqtt.AtLeastOnce, true)
	assert.True(t, outcome.Retained)
	h.publish(t, "P", "sensors/room1/temp", "21", mqtt.AtLeastOnce, true)
	h.publish(t, "P", "sensors/room2/temp", "19", mqtt.AtMostOnce, true)

	h.connect(t, "A", true)
	h.subscribe(t, "A", "sensors/room1/+", mqtt.AtLeastOnce)
	got := h.deliveries(t, "A")
	require.Len(t, got, 1)
	assert.Equal(t, "21", string(got[0].Message.Payload))
	assert.True(t, got[0].Message.Retain)

	h.publish(t, "P", "sensors/room1/temp", "", mqtt.AtMostOnce, true)
	_, ok := h.m.Retained("sensors/room1/temp")
	assert.False(t, ok)

	h.connect(t, "B", true)
	h.subscribe(t, "B", "sensors/#", mqtt.AtLeastOnce)
	got = h.deliveries(t, "B")
	require.Len(t, got, 1)
	assert.Equal(t, "sensors/room2/temp", got[0].Message.Topic)
	assert.Equal(t, mqtt.AtMostOnce, got[0].Message.QoS)
}

func TestACLPrecedence(t *testing.T) {
	h := newHarness(t, withRules(acl.Deny,
		acl.Rule{Topic: "#", Action: acl.ActionBoth, Permission: acl.Deny, Priority: 0},
		acl.Rule{Topic: "sensors/+/data", Action: acl.ActionBoth, Permission: acl.Allow, Priority: 10},
	))
	h.connect(t, "A", true)
	h.connect(t, "P", true)
	h.subscribe(t, "A", "sensors/+/data", mqtt.AtLeastOnce)

	h.publish(t, "P", "sensors/room1/data", "ok", mqtt.AtLeastOnce, false)
	assert.Len(t, h.deliveries(t, "A"), 1)

	outcome, err := h.m.HandlePublish(context.Background(), "P", &mqtt.Message{Topic: "other/topic", Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrACLDenied)
	assert.True(t, outcome.Denied)
	code, ok := PublishReasonCode(mqtt.ProtocolV5, outcome)
	assert.True(t, ok)
	assert.Equal(t, byte(0x87), code)

	_, err = h.m.HandleSubscribe(context.Background(), "A", "other/#", mqtt.AtMostOnce)
	assert.ErrorIs(t, err, ErrACLDenied)
	assert.Equal(t, byte(0x80), SubscribeFailureCode(mqtt.ProtocolV311, err))
	assert.Equal(t, byte(0x87), SubscribeFailureCode(mqtt.ProtocolV5, err))
	assert.Empty(t, subscriberIDs(h.m, "other/x"))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Drops.WithLabelValues(metrics.DropACLDenied)))
}

func TestQoS2Downgraded(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.MaxQoS = mqtt.ExactlyOnce }))
	h.connect(t, "A", true)
	granted := h.subscribe(t, "A", "t/#", mqtt.ExactlyOnce)
	assert.Equal(t, mqtt.AtLeastOnce, granted)

	outcome := h.publish(t, "A", "t/1", "x", mqtt.ExactlyOnce, false)
	assert.True(t, outcome.Downgraded)
	got := h.deliveries(t, "A")
	require.Len(t, got, 1)
	assert.Equal(t, mqtt.AtLeastOnce, got[0].Message.QoS)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.QoSDowngrades))
}

func TestMaxQoSCapsGrant(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.MaxQoS = mqtt.AtMostOnce }))
	h.connect(t, "A", true)
	assert.Equal(t, mqtt.AtMostOnce, h.subscribe(t, "A", "t", mqtt.AtLeastOnce))
}

func TestOfflineQueueAndRedelivery(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, "dev1", false)
	h.subscribe(t, "dev1", "cmd/#", mqtt.AtLeastOnce)
	h.connect(t, "P", true)

	h.publish(t, "P", "cmd/1", "first", mqtt.AtLeastOnce, false)
	inflight := h.deliveries(t, "dev1")
	require.Len(t, inflight, 1)
	require.NoError(t, h.m.HandleDisconnect(context.Background(), "dev1", conn, false))

	outcome := h.publish(t, "P", "cmd/2", "second", mqtt.AtLeastOnce, false)
	assert.Equal(t, 1, outcome.Queued)
	outcome = h.publish(t, "P", "cmd/3", "lost", mqtt.AtMostOnce, false)
	assert.Equal(t, 1, outcome.Dropped)

	_, result := h.connect(t, "dev1", false)
	assert.True(t, result.SessionPresent)
	assert.Equal(t, 1, result.Requeued)
	got := h.deliveries(t, "dev1")
	require.Len(t, got, 2)
	assert.Equal(t, "first", string(got[0].Message.Payload))
	assert.True(t, got[0].Dup)
	assert.Equal(t, inflight[0].PacketID, got[0].PacketID)
	assert.Equal(t, "second", string(got[1].Message.Payload))

	assert.True(t, h.m.HandleAck("dev1", got[0].PacketID))
	assert.False(t, h.m.HandleAck("dev1", got[0].PacketID))
}

func TestOutboxBackpressureEvictsOldest(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.OutboxSize = 2 }))
	h.connect(t, "A", true)
	h.subscribe(t, "A", "t/+", mqtt.AtMostOnce)
	h.publish(t, "A", "t/1", "1", mqtt.AtMostOnce, false)
	h.publish(t, "A", "t/2", "2", mqtt.AtMostOnce, false)
	outcome := h.publish(t, "A", "t/3", "3", mqtt.AtMostOnce, false)
	assert.Equal(t, 1, outcome.Dropped)

	got := h.deliveries(t, "A")
	require.Len(t, got, 2)
	assert.Equal(t, "t/2", got[0].Message.Topic)
	assert.Equal(t, "t/3", got[1].Message.Topic)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Drops.WithLabelValues(metrics.DropBackpressure)))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "A", true)
	h.subscribe(t, "A", "a/b", mqtt.AtMostOnce)
	require.NoError(t, h.m.HandleUnsubscribe(context.Background(), "A", "a/b"))
	require.NoError(t, h.m.HandleUnsubscribe(context.Background(), "A", "a/b"))
	assert.Empty(t, subscriberIDs(h.m, "a/b"))
	assert.Equal(t, 0, h.m.Stats().Subscriptions)
}

func TestOperationsRequireConnectedSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.HandleSubscribe(context.Background(), "ghost", "a", mqtt.AtMostOnce)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = h.m.HandlePublish(context.Background(), "ghost", &mqtt.Message{Topic: "a"})
	assert.ErrorIs(t, err, ErrNotConnected)

	h.connect(t, "A", true)
	_, err = h.m.HandlePublish(context.Background(), "A", &mqtt.Message{Topic: "a/+"})
	assert.ErrorIs(t, err, ErrMalformedEvent)
	_, err = h.m.HandleSubscribe(context.Background(), "A", "a/#/b", mqtt.AtMostOnce)
	assert.Equal(t, byte(0x8F), SubscribeFailureCode(mqtt.ProtocolV5, err))
}

func TestConnectRejections(t *testing.T) {
	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	h := newHarness(t, func(_ *Options, deps *Dependencies) {
		deps.Authenticator = auth.NewStaticAuthenticator(map[string]string{"alice": hash})
	})

	_, err = h.m.HandleConnect(context.Background(), ConnectRequest{
		Protocol: mqtt.ProtocolV311, Conn: &fakeConn{id: "c1"},
	})
	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, ConnectIdentifierRejected, connectErr.Outcome)
	assert.Equal(t, byte(0x02), connectErr.Outcome.Code(mqtt.ProtocolV311))

	user := "alice"
	_, err = h.m.HandleConnect(context.Background(), ConnectRequest{
		ClientID: "dev1", Username: &user, Password: []byte("wrong"),
		Protocol: mqtt.ProtocolV5, Conn: &fakeConn{id: "c2"},
	})
	require.ErrorAs(t, err, &connectErr)
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
	assert.Equal(t, ConnectBadCredentials, connectErr.Outcome)
	assert.Equal(t, byte(0x86), connectErr.Outcome.Code(mqtt.ProtocolV5))
	_, ok := h.m.Session("dev1")
	assert.False(t, ok, "no session state before authentication succeeds")

	_, err = h.m.HandleConnect(context.Background(), ConnectRequest{
		ClientID: "dev1", Protocol: mqtt.ProtocolV311, Conn: &fakeConn{id: "c3"},
	})
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, ConnectNotAuthorized, connectErr.Outcome)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.AuthFailures))

	_, result := h.connect(t, "", true, func(r *ConnectRequest) {
		r.Username = &user
		r.Password = []byte("secret")
	})
	assert.True(t, result.Assigned)
	assert.NotEmpty(t, result.ClientID)
	assert.Equal(t, "alice", *result.Session.Username())
}

func TestInvariantViolationClosesConnection(t *testing.T) {
	h := newHarness(t)
	conn, _ := h.connect(t, "A", true)
	h.connect(t, "P", true)

	// 绕过 Manager 直接写主题树，制造不一致
	_, err := h.m.tree.Subscribe("ghost", "x/#", mqtt.AtMostOnce)
	require.NoError(t, err)
	_, err = h.m.tree.Subscribe("A", "x/+", mqtt.AtMostOnce)
	require.NoError(t, err)

	outcome := h.publish(t, "P", "x/y", "boom", mqtt.AtMostOnce, false)
	assert.Equal(t, 0, outcome.Delivered)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.InvariantViolations))
	closed, reason := conn.closedWith()
	assert.True(t, closed)
	assert.ErrorIs(t, reason, ErrInvariantViolation)
	assert.Empty(t, h.deliveries(t, "A"))
}

func TestBusBridgeExactlyOnce(t *testing.T) {
	h := newHarness(t)
	sub, err := h.bus.Subscribe("archive", 8)
	require.NoError(t, err)

	for _, id := range []string{"A", "B", "C"} {
		h.connect(t, id, true)
		h.subscribe(t, id, "telemetry/#", mqtt.AtMostOnce)
	}
	h.publish(t, "A", "telemetry/1", "x", mqtt.AtMostOnce, false)
	require.Len(t, sub.C(), 1)
	got := <-sub.C()
	assert.Equal(t, bus.SourceMQTT, got.Metadata.Source)
	assert.Equal(t, "A", got.Metadata.ClientID)
	assert.NotEmpty(t, got.Metadata.MessageID)

	outcome, err := h.m.PublishFromBus(context.Background(), bus.Message{
		Topic: "telemetry/rules", Payload: []byte("alert"),
		Metadata: bus.Metadata{Source: "rules", QoS: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Delivered)
	assert.False(t, outcome.Bridged)
	assert.Empty(t, sub.C(), "bus messages must not be bridged back")

	outcome, err = h.m.PublishFromBus(context.Background(), got)
	require.NoError(t, err)
	assert.Zero(t, outcome.Matched, "own messages are ignored by the bridge")
}

func TestBridgeBackpressureTimesOut(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.BusPublishTimeout = 10 * time.Millisecond }))
	_, err := h.bus.Subscribe("slow", 1)
	require.NoError(t, err)
	h.connect(t, "A", true)

	assert.True(t, h.publish(t, "A", "t", "1", mqtt.AtMostOnce, false).Bridged)
	assert.False(t, h.publish(t, "A", "t", "2", mqtt.AtMostOnce, false).Bridged)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.BridgeErrors))
}

func TestRunBridgeStopsWhenBusCloses(t *testing.T) {
	h := newHarness(t)
	sub, err := h.bus.Subscribe("bridge", 4)
	require.NoError(t, err)
	h.connect(t, "A", true)
	h.subscribe(t, "A", "cmd/#", mqtt.AtMostOnce)

	done := make(chan struct{})
	go func() {
		h.m.RunBridge(context.Background(), sub)
		close(done)
	}()
	require.NoError(t, h.bus.Publish(context.Background(), bus.Message{
		Topic: "cmd/reboot", Metadata: bus.Metadata{Source: "rules"},
	}))
	s := mustSession(t, h.m, "A")
	require.Eventually(t, func() bool {
		queued, _ := s.Pending()
		return queued == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, h.bus.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
}

func mustSession(t *testing.T, m *Manager, clientID string) *session.Session {
	t.Helper()
	s, ok := m.Session(clientID)
	require.True(t, ok)
	return s
}

func TestStaleConnectionErrorsAreHarmless(t *testing.T) {
	h := newHarness(t)
	err := h.m.HandleDisconnect(context.Background(), "nobody", &fakeConn{id: "x"}, false)
	assert.NoError(t, err)
	assert.False(t, errors.Is(err, ErrNotConnected))
}
