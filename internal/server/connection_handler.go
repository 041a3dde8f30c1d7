package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	pa "github.com/life-stream-dev/life-stream-iot-broker/internal/packet"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
)

var errProtocolViolation = errors.New("server: protocol violation")

type ConnectionHandler struct {
	server    *Server
	conn      *connection.Connection
	connId    string
	clientID  string
	version   mqtt.ProtocolVersion
	keepAlive time.Duration
	session   *session.Session
	graceful  bool

	// 写出协程 flush 时持有，SUBACK 先于保留消息写出
	flushMu     sync.Mutex
	inboundQoS2 map[uint16]struct{}
	writerDone  chan struct{}
}

func newConnectionHandler(s *Server, conn net.Conn) *ConnectionHandler {
	c := connection.New(conn)
	return &ConnectionHandler{
		server:      s,
		conn:        c,
		connId:      c.ID(),
		inboundQoS2: make(map[uint16]struct{}),
		writerDone:  make(chan struct{}),
	}
}

func (c *ConnectionHandler) manager() *broker.Manager {
	return c.server.manager
}

func (c *ConnectionHandler) readPacket() (*mqtt.Packet, error) {
	return mqtt.ReadPacket(c.conn, c.server.opts.MaxPacketSize)
}

func (c *ConnectionHandler) handleFirstPacket() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.opts.ConnectTimeout))
	packet, err := c.readPacket()
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", c.connId, err)
		return err
	}

	if packet.Header.Type != mqtt.CONNECT {
		logger.ErrorF("[%s] Invalid first packet type, expected %s packet, but got %s packet", c.connId, mqtt.CONNECT.String(), packet.Header.Type.String())
		return fmt.Errorf("%w: first packet is %s", errProtocolViolation, packet.Header.Type.String())
	}

	clientInfo, resp, err := pa.ParseConnectPacket(packet)
	if resp != nil {
		if err := c.conn.Send(resp); err != nil {
			return err
		}
	}
	if err != nil {
		logger.ErrorF("[%s] Fail to parse CONNECT packet, details: %v", c.connId, err)
		return errors.Join(broker.ErrMalformedEvent, err)
	}
	c.version = clientInfo.ProtocolVersion

	result, err := c.manager().HandleConnect(context.Background(), broker.ConnectRequest{
		ClientID:     clientInfo.ClientID(),
		Username:     clientInfo.Username(),
		Password:     clientInfo.Password(),
		ClientCert:   peerCertificate(c.conn.NetConn()),
		CleanSession: clientInfo.ConnectFlag.CleanSession,
		KeepAlive:    clientInfo.KeepAliveDuration(),
		Will:         clientInfo.Will(),
		Protocol:     c.version,
		Conn:         c.conn,
	})
	if err != nil {
		code := broker.ConnectServerUnavailable.Code(c.version)
		var connErr *broker.ConnectError
		if errors.As(err, &connErr) {
			code = connErr.Outcome.Code(c.version)
		}
		_ = c.conn.Send(pa.NewConnectAckPacket(c.version, false, code))
		logger.WarnF("[%s] CONNECT rejected, details: %v", c.connId, err)
		return err
	}

	c.clientID = result.ClientID
	c.session = result.Session
	if result.Assigned {
		resp = pa.NewAssignedConnectAckPacket(c.version, result.SessionPresent, result.ClientID)
	} else {
		resp = pa.NewConnectAckPacket(c.version, result.SessionPresent, 0x00)
	}
	if err := c.conn.Send(resp); err != nil {
		_ = c.manager().HandleDisconnect(context.Background(), c.clientID, c.conn, false)
		return err
	}
	c.conn.SetFarewell(c.farewell)

	c.keepAlive = clientInfo.KeepAliveDuration()
	if c.keepAlive == 0 {
		logger.WarnF("[%s] Keep alive set to 0, heartbeat disable", c.clientID)
	}
	_ = c.conn.SetReadDeadline(time.Time{})
	logger.InfoF("[%s] Client connected from %s, %s, session present: %v", c.clientID, c.conn.RemoteAddr(), c.version, result.SessionPresent)
	return nil
}

func (c *ConnectionHandler) handlePacket() error {
	for {
		if c.keepAlive != 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.keepAlive + c.keepAlive/2 + c.server.opts.KeepAliveGrace))
		}

		packet, err := c.readPacket()
		if err != nil {
			connection.HandleReadError(c.clientID, err)
			return err
		}

		logger.DebugF("[%s] Receive %s package, %d bytes", c.clientID, packet.Header.Type, packet.Header.RemainingLength)
		c.manager().HandlePing(c.clientID)

		switch packet.Header.Type {
		case mqtt.CONNECT:
			logger.ErrorF("[%s] Duplicate CONNECT package", c.clientID)
			return fmt.Errorf("%w: duplicate CONNECT", errProtocolViolation)
		case mqtt.PUBLISH:
			err = c.handlePublish(packet)
		case mqtt.PUBREL:
			err = c.handlePubRel(packet)
		case mqtt.PUBACK:
			err = c.handlePubAck(packet)
		case mqtt.PUBREC, mqtt.PUBCOMP:
			// 服务端不以 QoS 2 下发
			logger.WarnF("[%s] Unexpected %s package ignored", c.clientID, packet.Header.Type.String())
		case mqtt.SUBSCRIBE:
			err = c.handleSubscribe(packet)
		case mqtt.UNSUBSCRIBE:
			err = c.handleUnsubscribe(packet)
		case mqtt.PINGREQ:
			err = c.conn.Send(pa.NewPingRespPacket())
		case mqtt.DISCONNECT:
			reason, err := pa.ParseDisconnectPacket(packet, c.version)
			if err != nil {
				return errors.Join(broker.ErrMalformedEvent, err)
			}
			// v5 的 0x04 要求服务端照常发布遗嘱
			c.graceful = reason != pa.ReasonDisconnectWithWill
			logger.InfoF("[%s] Client disconnect, reason 0x%02X", c.clientID, reason)
			return nil
		default:
			logger.WarnF("[%s] %s package has not been supported", c.clientID, packet.Header.Type.String())
			return fmt.Errorf("%w: unexpected %s", errProtocolViolation, packet.Header.Type.String())
		}

		if err != nil {
			logger.ErrorF("[%s] Fail to handle %s packet, details: %v", c.clientID, packet.Header.Type.String(), err)
			return err
		}
	}
}

func (c *ConnectionHandler) handlePublish(packet *mqtt.Packet) error {
	result, err := pa.ParsePublishPacket(packet, c.version)
	if err != nil {
		return errors.Join(broker.ErrMalformedEvent, err)
	}
	msg := result.Message()

	// 重发的 QoS 2 报文只补发 PUBREC，不再路由
	if msg.QoS == mqtt.ExactlyOnce {
		if _, seen := c.inboundQoS2[result.PacketID]; seen {
			return c.conn.Send(pa.NewAckPacket(c.version, mqtt.PUBREC, result.PacketID, 0x00))
		}
	}

	outcome, err := c.manager().HandlePublish(context.Background(), c.clientID, msg)
	if err != nil && !errors.Is(err, broker.ErrACLDenied) {
		return err
	}
	reason, _ := broker.PublishReasonCode(c.version, outcome)

	switch msg.QoS {
	case mqtt.AtLeastOnce:
		return c.conn.Send(pa.NewAckPacket(c.version, mqtt.PUBACK, result.PacketID, reason))
	case mqtt.ExactlyOnce:
		if !outcome.Denied {
			c.inboundQoS2[result.PacketID] = struct{}{}
		}
		return c.conn.Send(pa.NewAckPacket(c.version, mqtt.PUBREC, result.PacketID, reason))
	}
	return nil
}

func (c *ConnectionHandler) handlePubRel(packet *mqtt.Packet) error {
	packetID, _, err := pa.ParseAckPacket(packet, c.version)
	if err != nil {
		return errors.Join(broker.ErrMalformedEvent, err)
	}
	reason := byte(0x00)
	if _, ok := c.inboundQoS2[packetID]; ok {
		delete(c.inboundQoS2, packetID)
	} else {
		reason = pa.ReasonPacketIDNotFound
	}
	return c.conn.Send(pa.NewAckPacket(c.version, mqtt.PUBCOMP, packetID, reason))
}

func (c *ConnectionHandler) handlePubAck(packet *mqtt.Packet) error {
	packetID, _, err := pa.ParseAckPacket(packet, c.version)
	if err != nil {
		return errors.Join(broker.ErrMalformedEvent, err)
	}
	if c.manager().HandleAck(c.clientID, packetID) {
		// 未确认窗口腾出空位，唤醒写出协程
		c.session.Notify()
	}
	return nil
}

func (c *ConnectionHandler) handleSubscribe(packet *mqtt.Packet) error {
	result, err := pa.ParseSubscribePacket(packet, c.version)
	if err != nil {
		return errors.Join(broker.ErrMalformedEvent, err)
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	codes := make([]byte, 0, len(result.Subscriptions))
	for _, sub := range result.Subscriptions {
		granted, err := c.manager().HandleSubscribe(context.Background(), c.clientID, sub.Filter, sub.QoS)
		if err != nil {
			if errors.Is(err, broker.ErrNotConnected) {
				return err
			}
			logger.WarnF("[%s] Subscribe %s failed, details: %v", c.clientID, sub.Filter, err)
			codes = append(codes, broker.SubscribeFailureCode(c.version, err))
			continue
		}
		codes = append(codes, byte(granted))
	}
	return c.conn.Send(pa.NewSubAckPacket(c.version, result.PacketID, codes))
}

func (c *ConnectionHandler) handleUnsubscribe(packet *mqtt.Packet) error {
	result, err := pa.ParseUnSubscribePacket(packet, c.version)
	if err != nil {
		return errors.Join(broker.ErrMalformedEvent, err)
	}
	for _, filter := range result.Filters {
		if err := c.manager().HandleUnsubscribe(context.Background(), c.clientID, filter); err != nil {
			return err
		}
	}
	return c.conn.Send(pa.NewUnSubAckPacket(c.version, result.PacketID, len(result.Filters)))
}

// writeLoop 会话有新消息时写出，直到连接关闭或会话被新连接接管
func (c *ConnectionHandler) writeLoop() {
	defer close(c.writerDone)
	if !c.flush() {
		return
	}
	for {
		select {
		case <-c.conn.Done():
			return
		case <-c.session.Ready():
			if !c.flush() {
				return
			}
		}
	}
}

func (c *ConnectionHandler) flush() bool {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if !c.session.IsBoundTo(c.conn) {
		// 这次通知可能属于接管后的新连接，转交出去
		c.session.Notify()
		return false
	}
	for _, d := range c.session.TakeDeliveries() {
		if err := c.conn.Send(pa.NewPublishPacket(c.version, d.PacketID, d.Message, d.Dup)); err != nil {
			_ = c.conn.Close(err)
			return false
		}
	}
	return true
}

// farewell v5 连接被服务端关闭前写出带原因码的 DISCONNECT
func (c *ConnectionHandler) farewell(reason error) []byte {
	if c.version != mqtt.ProtocolV5 {
		return nil
	}
	code, ok := disconnectReason(reason)
	if !ok {
		return nil
	}
	return pa.NewDisconnectPacket(c.version, code)
}

func disconnectReason(err error) (byte, bool) {
	var netErr net.Error
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, broker.ErrSessionTakenOver):
		return pa.ReasonSessionTakenOver, true
	case errors.Is(err, broker.ErrKeepAliveTimeout), errors.As(err, &netErr) && netErr.Timeout():
		return pa.ReasonKeepAliveTimeout, true
	case errors.Is(err, ErrServerShutdown), errors.Is(err, broker.ErrShuttingDown):
		return pa.ReasonServerShuttingDown, true
	case errors.Is(err, broker.ErrMalformedEvent), errors.Is(err, mqtt.ErrInvalidFlags), errors.Is(err, mqtt.ErrPacketTooLarge):
		return pa.ReasonMalformedPacket, true
	case errors.Is(err, errProtocolViolation):
		return pa.ReasonProtocolError, true
	case errors.Is(err, broker.ErrInvariantViolation):
		return pa.ReasonImplementationError, true
	case connection.IsNetClosedError(err):
		return 0, false
	default:
		// 读写错误说明对端已经不在，不再写出
		return 0, false
	}
}

func peerCertificate(conn net.Conn) *x509.Certificate {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}

func (c *ConnectionHandler) handleConnection() {
	c.server.connections.AddConnection(c.conn)
	defer c.server.connections.RemoveConnection(c.connId)
	if c.server.closing.Load() {
		_ = c.conn.Close(ErrServerShutdown)
		return
	}

	if err := c.handleFirstPacket(); err != nil {
		_ = c.conn.Close(err)
		return
	}

	go c.writeLoop()
	err := c.handlePacket()

	// 服务关闭时的断开视为正常断开，不发布遗嘱
	graceful := (err == nil && c.graceful) || c.conn.ClosedBy(ErrServerShutdown)
	if dErr := c.manager().HandleDisconnect(context.Background(), c.clientID, c.conn, graceful); dErr != nil {
		logger.WarnF("[%s] Fail to handle disconnect, details: %v", c.clientID, dErr)
	}
	if closeErr := c.conn.Close(err); closeErr != nil {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", c.clientID, closeErr)
	}
	<-c.writerDone
	logger.DebugF("[%s] Connection closed", c.clientID)
}
