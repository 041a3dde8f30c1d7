package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/acl"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/bus"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	pa "github.com/life-stream-dev/life-stream-iot-broker/internal/packet"
)

const readTimeout = 2 * time.Second

type testServer struct {
	srv     *Server
	manager *broker.Manager
	bus     *bus.Bus
}

func newTestServer(t *testing.T, authenticator auth.Authenticator) *testServer {
	t.Helper()
	evaluator, err := acl.NewEvaluator(acl.Options{DefaultPolicy: acl.Allow}, []acl.Rule{
		{Topic: "secret/#", Action: acl.ActionBoth, Permission: acl.Deny, Priority: 10},
	})
	require.NoError(t, err)
	if authenticator == nil {
		authenticator = auth.AllowAnonymous{}
	}
	b := bus.New(64)
	m, err := broker.New(broker.Options{MaxQoS: mqtt.AtLeastOnce, OutboxSize: 64}, broker.Dependencies{
		Clock:         clock.New(),
		ACL:           evaluator,
		Authenticator: authenticator,
		Bus:           b,
		Metrics:       metrics.New(nil),
	})
	require.NoError(t, err)
	ts := &testServer{
		srv:     New(m, Options{MaxConnections: 16, ConnectTimeout: time.Second}),
		manager: m,
		bus:     b,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.srv.Shutdown(ctx)
		_ = b.Close()
	})
	return ts
}

type testClient struct {
	t       *testing.T
	conn    net.Conn
	version mqtt.ProtocolVersion
}

func (ts *testServer) dial(t *testing.T, version mqtt.ProtocolVersion) *testClient {
	t.Helper()
	server, client := net.Pipe()
	go ts.srv.ServeConn(server)
	t.Cleanup(func() { _ = client.Close() })
	return &testClient{t: t, conn: client, version: version}
}

type connectOptions struct {
	clientID  string
	clean     bool
	keepAlive uint16
	will      *mqtt.Message
	username  string
	password  string
}

func appendStr(buf []byte, s string) []byte {
	buf = append(buf, mqtt.UInt16ToByte(uint16(len(s)))...)
	return append(buf, s...)
}

func connectPacket(version mqtt.ProtocolVersion, o connectOptions) []byte {
	body := appendStr(nil, "MQTT")
	body = append(body, byte(version))
	var flags byte
	if o.clean {
		flags |= 0x02
	}
	if o.will != nil {
		flags |= 0x04 | byte(o.will.QoS)<<3
		if o.will.Retain {
			flags |= 0x20
		}
	}
	if o.username != "" {
		flags |= 0x80
	}
	if o.password != "" {
		flags |= 0x40
	}
	body = append(body, flags)
	body = append(body, mqtt.UInt16ToByte(o.keepAlive)...)
	if version == mqtt.ProtocolV5 {
		body = append(body, 0x00)
	}
	body = appendStr(body, o.clientID)
	if o.will != nil {
		if version == mqtt.ProtocolV5 {
			body = append(body, 0x00)
		}
		body = appendStr(body, o.will.Topic)
		body = appendStr(body, string(o.will.Payload))
	}
	if o.username != "" {
		body = appendStr(body, o.username)
	}
	if o.password != "" {
		body = appendStr(body, o.password)
	}
	return mqtt.EncodePacket(mqtt.CONNECT, 0, body)
}

func (c *testClient) subscribePacket(packetID uint16, filter string, qos mqtt.QoS) []byte {
	body := mqtt.UInt16ToByte(packetID)
	if c.version == mqtt.ProtocolV5 {
		body = append(body, 0x00)
	}
	body = appendStr(body, filter)
	body = append(body, byte(qos))
	return mqtt.EncodePacket(mqtt.SUBSCRIBE, 0x02, body)
}

func (c *testClient) send(raw []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(readTimeout))
	_, err := c.conn.Write(raw)
	require.NoError(c.t, err)
}

func (c *testClient) read() *mqtt.Packet {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	packet, err := mqtt.ReadPacket(c.conn, 0)
	require.NoError(c.t, err)
	return packet
}

func (c *testClient) expect(packetType mqtt.PacketType) *mqtt.Packet {
	c.t.Helper()
	packet := c.read()
	require.Equal(c.t, packetType, packet.Header.Type, "got %s", packet.Header.Type)
	return packet
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, err := mqtt.ReadPacket(c.conn, 0)
	require.Error(c.t, err)
	assert.False(c.t, os.IsTimeout(err), "connection should be closed, got %v", err)
}

func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	_, err := mqtt.ReadPacket(c.conn, 0)
	require.Error(c.t, err)
	assert.True(c.t, os.IsTimeout(err), "expected no packet, got %v", err)
}

func (c *testClient) connect(o connectOptions) *mqtt.Packet {
	c.t.Helper()
	c.send(connectPacket(c.version, o))
	return c.expect(mqtt.CONNACK)
}

func (c *testClient) subscribe(packetID uint16, filter string, qos mqtt.QoS) []byte {
	c.t.Helper()
	c.send(c.subscribePacket(packetID, filter, qos))
	ack := c.expect(mqtt.SUBACK)
	body := ack.Payload.Context
	require.Equal(c.t, mqtt.UInt16ToByte(packetID), body[:2])
	if c.version == mqtt.ProtocolV5 {
		return body[3:]
	}
	return body[2:]
}

func (c *testClient) publish(packetID uint16, msg *mqtt.Message) {
	c.t.Helper()
	c.send(pa.NewPublishPacket(c.version, packetID, msg, false))
}

func (c *testClient) receive() *pa.PublishPacketPayloads {
	c.t.Helper()
	packet := c.expect(mqtt.PUBLISH)
	result, err := pa.ParsePublishPacket(packet, c.version)
	require.NoError(c.t, err)
	return result
}

func ackID(t *testing.T, packet *mqtt.Packet, version mqtt.ProtocolVersion) (uint16, byte) {
	t.Helper()
	id, reason, err := pa.ParseAckPacket(packet, version)
	require.NoError(t, err)
	return id, reason
}

func TestConnectAndPing(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(t, mqtt.ProtocolV311)

	ack := c.connect(connectOptions{clientID: "dev-1", clean: true, keepAlive: 30})
	assert.Equal(t, []byte{0x00, 0x00}, ack.Payload.Context)

	c.send([]byte{0xC0, 0x00})
	c.expect(mqtt.PINGRESP)
	assert.Equal(t, 1, ts.manager.Stats().Connected)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	sub := ts.dial(t, mqtt.ProtocolV311)
	sub.connect(connectOptions{clientID: "sub", clean: true})
	assert.Equal(t, []byte{0x01}, sub.subscribe(1, "sensors/+/temp", mqtt.AtLeastOnce))

	pub := ts.dial(t, mqtt.ProtocolV311)
	pub.connect(connectOptions{clientID: "pub", clean: true})
	pub.publish(7, &mqtt.Message{Topic: "sensors/kitchen/temp", Payload: []byte("21.5"), QoS: mqtt.AtLeastOnce})
	id, _ := ackID(t, pub.expect(mqtt.PUBACK), pub.version)
	assert.Equal(t, uint16(7), id)

	got := sub.receive()
	assert.Equal(t, "sensors/kitchen/temp", got.TopicName)
	assert.Equal(t, []byte("21.5"), got.Payload)
	assert.Equal(t, byte(1), got.PacketFlag.QoS)

	sub.send(pa.NewAckPacket(sub.version, mqtt.PUBACK, got.PacketID, 0x00))
	s, ok := ts.manager.Session("sub")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		_, inflight := s.Pending()
		return inflight == 0
	}, readTimeout, 10*time.Millisecond)
}

func TestSubAckPrecedesRetainedReplay(t *testing.T) {
	ts := newTestServer(t, nil)
	pub := ts.dial(t, mqtt.ProtocolV311)
	pub.connect(connectOptions{clientID: "pub", clean: true})
	pub.publish(0, &mqtt.Message{Topic: "status/gw", Payload: []byte("online"), Retain: true})
	// PINGRESP 说明前面的发布已经处理完
	pub.send([]byte{0xC0, 0x00})
	pub.expect(mqtt.PINGRESP)

	sub := ts.dial(t, mqtt.ProtocolV311)
	sub.connect(connectOptions{clientID: "sub", clean: true})
	assert.Equal(t, []byte{0x00}, sub.subscribe(3, "status/#", mqtt.AtMostOnce))
	got := sub.receive()
	assert.True(t, got.PacketFlag.Retain)
	assert.Equal(t, []byte("online"), got.Payload)
}

func TestSubscribeDeniedAndInvalidFilter(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(t, mqtt.ProtocolV5)
	c.connect(connectOptions{clientID: "dev", clean: true})

	assert.Equal(t, []byte{0x87}, c.subscribe(1, "secret/keys", mqtt.AtMostOnce))
	assert.Equal(t, []byte{0x8F}, c.subscribe(2, "bad/#/filter", mqtt.AtMostOnce))
	assert.Equal(t, []byte{0x01}, c.subscribe(3, "ok/+", mqtt.ExactlyOnce))
}

func TestPublishDeniedV5ReasonCode(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(t, mqtt.ProtocolV5)
	c.connect(connectOptions{clientID: "dev", clean: true})

	c.publish(9, &mqtt.Message{Topic: "secret/keys", Payload: []byte("x"), QoS: mqtt.AtLeastOnce})
	id, reason := ackID(t, c.expect(mqtt.PUBACK), c.version)
	assert.Equal(t, uint16(9), id)
	assert.Equal(t, byte(0x87), reason)

	c.publish(10, &mqtt.Message{Topic: "nobody/listens", Payload: []byte("x"), QoS: mqtt.AtLeastOnce})
	_, reason = ackID(t, c.expect(mqtt.PUBACK), c.version)
	assert.Equal(t, pa.ReasonNoMatchingSubscriber, reason)
}

func TestInboundQoS2IsRoutedOnce(t *testing.T) {
	ts := newTestServer(t, nil)
	sub := ts.dial(t, mqtt.ProtocolV311)
	sub.connect(connectOptions{clientID: "sub", clean: true})
	sub.subscribe(1, "cmd/#", mqtt.ExactlyOnce)

	pub := ts.dial(t, mqtt.ProtocolV311)
	pub.connect(connectOptions{clientID: "pub", clean: true})
	msg := &mqtt.Message{Topic: "cmd/reboot", Payload: []byte("now"), QoS: mqtt.ExactlyOnce}
	pub.publish(5, msg)
	id, _ := ackID(t, pub.expect(mqtt.PUBREC), pub.version)
	assert.Equal(t, uint16(5), id)

	got := sub.receive()
	assert.Equal(t, byte(1), got.PacketFlag.QoS)

	// 重发同一报文只补发 PUBREC
	pub.send(pa.NewPublishPacket(pub.version, 5, msg, true))
	pub.expect(mqtt.PUBREC)
	sub.expectSilence(200 * time.Millisecond)

	pub.send(pa.NewAckPacket(pub.version, mqtt.PUBREL, 5, 0x00))
	id, _ = ackID(t, pub.expect(mqtt.PUBCOMP), pub.version)
	assert.Equal(t, uint16(5), id)
}

func TestWillPublishedOnAbruptClose(t *testing.T) {
	ts := newTestServer(t, nil)
	sub := ts.dial(t, mqtt.ProtocolV311)
	sub.connect(connectOptions{clientID: "monitor", clean: true})
	sub.subscribe(1, "devices/+/status", mqtt.AtMostOnce)

	dev := ts.dial(t, mqtt.ProtocolV311)
	dev.connect(connectOptions{
		clientID: "dev-7",
		clean:    true,
		will:     &mqtt.Message{Topic: "devices/dev-7/status", Payload: []byte("offline")},
	})
	require.NoError(t, dev.conn.Close())

	got := sub.receive()
	assert.Equal(t, "devices/dev-7/status", got.TopicName)
	assert.Equal(t, []byte("offline"), got.Payload)
}

func TestGracefulDisconnectSuppressesWill(t *testing.T) {
	ts := newTestServer(t, nil)
	sub := ts.dial(t, mqtt.ProtocolV311)
	sub.connect(connectOptions{clientID: "monitor", clean: true})
	sub.subscribe(1, "devices/+/status", mqtt.AtMostOnce)

	dev := ts.dial(t, mqtt.ProtocolV311)
	dev.connect(connectOptions{
		clientID: "dev-7",
		clean:    true,
		will:     &mqtt.Message{Topic: "devices/dev-7/status", Payload: []byte("offline")},
	})
	dev.send([]byte{0xE0, 0x00})
	dev.expectClosed()

	sub.expectSilence(200 * time.Millisecond)
	_, ok := ts.manager.Session("dev-7")
	assert.False(t, ok)
}

func TestV5DisconnectWithWillPublishesWill(t *testing.T) {
	ts := newTestServer(t, nil)
	sub := ts.dial(t, mqtt.ProtocolV5)
	sub.connect(connectOptions{clientID: "monitor", clean: true})
	sub.subscribe(1, "devices/+/status", mqtt.AtMostOnce)

	dev := ts.dial(t, mqtt.ProtocolV5)
	dev.connect(connectOptions{
		clientID: "dev-8",
		clean:    true,
		will:     &mqtt.Message{Topic: "devices/dev-8/status", Payload: []byte("gone")},
	})
	dev.send([]byte{0xE0, 0x02, pa.ReasonDisconnectWithWill, 0x00})

	got := sub.receive()
	assert.Equal(t, []byte("gone"), got.Payload)
}

func TestTakeoverSendsV5Disconnect(t *testing.T) {
	ts := newTestServer(t, nil)
	first := ts.dial(t, mqtt.ProtocolV5)
	first.connect(connectOptions{clientID: "dev", clean: false})

	second := ts.dial(t, mqtt.ProtocolV5)
	second.send(connectPacket(second.version, connectOptions{clientID: "dev", clean: false}))

	disconnect := first.expect(mqtt.DISCONNECT)
	assert.Equal(t, pa.ReasonSessionTakenOver, disconnect.Payload.Context[0])
	first.expectClosed()

	ack := second.expect(mqtt.CONNACK)
	assert.Equal(t, byte(0x01), ack.Payload.Context[0], "session present")
	assert.Equal(t, 1, ts.manager.Stats().Connected)
}

func TestAssignedClientIDV5(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(t, mqtt.ProtocolV5)
	ack := c.connect(connectOptions{clean: true})

	body := ack.Payload.Context
	require.Greater(t, len(body), 5)
	assert.Equal(t, byte(0x12), body[3])
	assignedLen := int(mqtt.ByteToUInt16(body[4:6]))
	assigned := string(body[6 : 6+assignedLen])
	assert.Contains(t, assigned, "auto-")
	_, ok := ts.manager.Session(assigned)
	assert.True(t, ok)
}

func TestConnectRejections(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	ts := newTestServer(t, auth.NewStaticAuthenticator(map[string]string{"alice": hash}))

	t.Run("bad credentials", func(t *testing.T) {
		c := ts.dial(t, mqtt.ProtocolV311)
		ack := c.connect(connectOptions{clientID: "dev", clean: true, username: "alice", password: "wrong"})
		assert.Equal(t, byte(0x04), ack.Payload.Context[1])
		c.expectClosed()
	})

	t.Run("empty client id on persistent 3.1.1 session", func(t *testing.T) {
		c := ts.dial(t, mqtt.ProtocolV311)
		ack := c.connect(connectOptions{clean: false, username: "alice", password: "s3cret"})
		assert.Equal(t, byte(0x02), ack.Payload.Context[1])
		c.expectClosed()
	})

	t.Run("unsupported protocol level", func(t *testing.T) {
		c := ts.dial(t, mqtt.ProtocolVersion(3))
		c.send(connectPacket(mqtt.ProtocolVersion(3), connectOptions{clientID: "old", clean: true}))
		ack := c.expect(mqtt.CONNACK)
		assert.Equal(t, byte(0x01), ack.Payload.Context[1])
		c.expectClosed()
	})

	t.Run("first packet is not CONNECT", func(t *testing.T) {
		c := ts.dial(t, mqtt.ProtocolV311)
		c.send([]byte{0xC0, 0x00})
		c.expectClosed()
	})

	t.Run("accepted", func(t *testing.T) {
		c := ts.dial(t, mqtt.ProtocolV311)
		ack := c.connect(connectOptions{clientID: "dev", clean: true, username: "alice", password: "s3cret"})
		assert.Equal(t, byte(0x00), ack.Payload.Context[1])
	})
}

func TestMalformedPacketClosesConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial(t, mqtt.ProtocolV5)
	c.connect(connectOptions{clientID: "dev", clean: true})

	// QoS 1 PUBLISH 的报文标识符为 0
	c.send(mqtt.EncodePacket(mqtt.PUBLISH, 0x02, append(appendStr(nil, "a/b"), 0x00, 0x00, 0x00)))
	disconnect := c.expect(mqtt.DISCONNECT)
	assert.Equal(t, pa.ReasonMalformedPacket, disconnect.Payload.Context[0])
	c.expectClosed()
}

func TestShutdownKeepsPersistentSessionWithoutWill(t *testing.T) {
	ts := newTestServer(t, nil)
	sub, err := ts.bus.Subscribe("wills", 4)
	require.NoError(t, err)

	c := ts.dial(t, mqtt.ProtocolV5)
	c.connect(connectOptions{
		clientID: "dev",
		clean:    false,
		will:     &mqtt.Message{Topic: "devices/dev/status", Payload: []byte("offline")},
	})

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- ts.srv.Shutdown(ctx)
	}()

	disconnect := c.expect(mqtt.DISCONNECT)
	assert.Equal(t, pa.ReasonServerShuttingDown, disconnect.Payload.Context[0])
	require.NoError(t, <-done)

	s, ok := ts.manager.Session("dev")
	require.True(t, ok)
	assert.False(t, s.Connected())
	assert.Equal(t, 0, ts.manager.Stats().Connected)
	assert.Empty(t, sub.C())
	assert.Equal(t, 0, ts.srv.Connections())
}

func TestListenTCP(t *testing.T) {
	ts := newTestServer(t, nil)
	ln, err := ts.srv.Listen("127.0.0.1:0")
	require.NoError(t, err)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	c := &testClient{t: t, conn: conn, version: mqtt.ProtocolV311}
	c.connect(connectOptions{clientID: "tcp", clean: true})
	c.send([]byte{0xC0, 0x00})
	c.expect(mqtt.PINGRESP)
}

func TestListenWebSocket(t *testing.T) {
	ts := newTestServer(t, nil)
	ln, err := ts.srv.ListenWebSocket("127.0.0.1:0")
	require.NoError(t, err)

	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}, HandshakeTimeout: readTimeout}
	ws, _, err := dialer.Dial("ws://"+ln.Addr().String()+"/mqtt", nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "mqtt", ws.Subprotocol())

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage,
		connectPacket(mqtt.ProtocolV311, connectOptions{clientID: "browser", clean: true})))
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	messageType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x00}, data)
}

func TestDisconnectReason(t *testing.T) {
	cases := []struct {
		err  error
		code byte
		ok   bool
	}{
		{broker.ErrSessionTakenOver, pa.ReasonSessionTakenOver, true},
		{broker.ErrKeepAliveTimeout, pa.ReasonKeepAliveTimeout, true},
		{ErrServerShutdown, pa.ReasonServerShuttingDown, true},
		{errors.Join(broker.ErrMalformedEvent, pa.ErrMalformedPacket), pa.ReasonMalformedPacket, true},
		{errProtocolViolation, pa.ReasonProtocolError, true},
		{io.EOF, 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		code, ok := disconnectReason(tc.err)
		assert.Equal(t, tc.ok, ok, "%v", tc.err)
		assert.Equal(t, tc.code, code, "%v", tc.err)
	}
}
