package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/bus"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/subscription"
)

// HandlePublish 处理客户端发布。ACL 拒绝时消息被丢弃，错误只返回给发布者自己
func (m *Manager) HandlePublish(ctx context.Context, clientID string, msg *mqtt.Message) (DeliveryOutcome, error) {
	if m.draining.Load() {
		return DeliveryOutcome{}, ErrShuttingDown
	}
	if msg == nil {
		return DeliveryOutcome{}, fmt.Errorf("%w: empty publish", ErrMalformedEvent)
	}
	if err := subscription.ValidateTopic(msg.Topic); err != nil {
		return DeliveryOutcome{}, errors.Join(ErrMalformedEvent, err)
	}
	if !msg.QoS.Valid() {
		return DeliveryOutcome{}, fmt.Errorf("%w: invalid qos %d", ErrMalformedEvent, msg.QoS)
	}

	s, err := m.connectedSession(clientID)
	if err != nil {
		return DeliveryOutcome{}, err
	}
	s.Touch(m.clock.Now())
	return m.publishAs(ctx, clientID, s.Username(), msg)
}

// publishAs 以给定身份发布，遗嘱消息也走这里
func (m *Manager) publishAs(ctx context.Context, clientID string, username *string, msg *mqtt.Message) (DeliveryOutcome, error) {
	m.gate.RLock()
	defer m.gate.RUnlock()
	if m.draining.Load() {
		return DeliveryOutcome{}, ErrShuttingDown
	}

	if !m.acl.CheckPublish(clientID, username, msg.Topic) {
		m.metrics.Dropped(metrics.DropACLDenied)
		logger.InfoF("[%s] Publish to %s denied by acl", clientID, msg.Topic)
		return DeliveryOutcome{Denied: true}, ErrACLDenied
	}
	return m.route(ctx, clientID, msg, true), nil
}

// route 更新保留消息、按订阅扇出，bridge 为 true 时写入事件总线一次
func (m *Manager) route(ctx context.Context, origin string, msg *mqtt.Message, bridge bool) DeliveryOutcome {
	var outcome DeliveryOutcome
	qos, downgraded := m.effectiveQoS(msg.QoS)
	if downgraded {
		outcome.Downgraded = true
		m.metrics.QoSDowngrades.Inc()
	}
	m.metrics.Published(byte(qos))

	if msg.Retain {
		outcome.Retained = true
		if len(msg.Payload) == 0 {
			m.retained.Delete(msg.Topic)
			m.persist.deleteRetained(msg.Topic)
		} else if stored := m.retained.Set(msg.Topic, msg.Payload, qos); stored != nil {
			m.persist.saveRetained(stored)
		}
		m.metrics.RetainedMessages.Set(float64(m.retained.Count()))
	}

	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	subscribers := m.tree.FindMatchingClients(msg.Topic)
	outcome.Matched = len(subscribers)
	for _, sub := range subscribers {
		m.deliver(sub, &mqtt.Message{Topic: msg.Topic, Payload: payload, QoS: mqtt.MinQoS(sub.QoS, qos)}, &outcome)
	}

	if bridge && m.bus != nil {
		outcome.Bridged = m.bridge(ctx, origin, msg.Topic, payload, qos, msg.Retain)
	}
	return outcome
}

// deliver 投递给单个订阅者，订阅者间共享同一份只读负载
func (m *Manager) deliver(sub subscription.Subscriber, msg *mqtt.Message, outcome *DeliveryOutcome) {
	s, ok := m.sessions.Get(sub.ClientID)
	if !ok || !s.HasSubscription(sub.Filter) {
		m.checkStale(sub)
		outcome.Dropped++
		return
	}

	if !s.Connected() {
		if s.CleanSession {
			outcome.Dropped++
			m.metrics.Dropped(metrics.DropNoSession)
			return
		}
		if msg.QoS == mqtt.AtMostOnce {
			outcome.Dropped++
			m.metrics.Dropped(metrics.DropOfflineQoS0)
			return
		}
		outcome.Queued++
	} else {
		outcome.Delivered++
	}

	if evicted := s.Enqueue(msg); evicted != nil {
		outcome.Dropped++
		m.metrics.Dropped(metrics.DropBackpressure)
		logger.DebugF("[%s] Outbox full, oldest message on %s dropped, details: %v",
			sub.ClientID, evicted.Message.Topic, ErrDeliveryBackpressure)
	}
	m.metrics.Delivered(byte(msg.QoS))
	if msg.QoS > mqtt.AtMostOnce {
		m.mirror(s)
	}
}

// checkStale 匹配快照里的订阅者已经找不到对应的会话订阅。
// 快照之后退订、重连或过期属于正常竞争，只有加锁后主题树仍保留该订阅才算不一致
func (m *Manager) checkStale(sub subscription.Subscriber) {
	unlock := m.locks.Lock(sub.ClientID)
	_, inTree := m.tree.Filters(sub.ClientID)[sub.Filter]
	s, ok := m.sessions.Get(sub.ClientID)
	if !inTree || (ok && s.HasSubscription(sub.Filter)) {
		unlock()
		m.metrics.Dropped(metrics.DropNoSession)
		logger.DebugF("[%s] Subscriber of %s left before delivery", sub.ClientID, sub.Filter)
		return
	}
	var conn session.Conn
	if ok {
		conn = s.Conn()
	}
	unlock()

	m.metrics.InvariantViolations.Inc()
	logger.ErrorF("[%s] %v: subscriber of %s has no consistent session", sub.ClientID, ErrInvariantViolation, sub.Filter)
	if conn != nil {
		if err := conn.Close(ErrInvariantViolation); err != nil {
			logger.DebugF("[%s] Fail to close connection, details: %v", sub.ClientID, err)
		}
	}
}

// mirror 把非清洁会话的待确认消息同步到存储，重复写入在持久化队列中合并
func (m *Manager) mirror(s *session.Session) {
	if m.persist == nil || s.CleanSession {
		return
	}
	unlock := m.locks.Lock(s.ClientID)
	defer unlock()
	if current, ok := m.sessions.Get(s.ClientID); ok && current == s {
		m.persist.saveSession(s.Record())
	}
}

// bridge 把消息写入事件总线。总线已满时阻塞到超时，超时算作背压错误
func (m *Manager) bridge(ctx context.Context, origin string, topic string, payload []byte, qos mqtt.QoS, retain bool) bool {
	ctx, cancel := context.WithTimeout(ctx, m.opts.BusPublishTimeout)
	defer cancel()
	err := m.bus.Publish(ctx, bus.Message{
		Topic:   topic,
		Payload: payload,
		Metadata: bus.Metadata{
			MessageID: uuid.NewString(),
			Source:    bus.SourceMQTT,
			ClientID:  origin,
			QoS:       byte(qos),
			Retain:    retain,
			Timestamp: m.clock.Now(),
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(ErrDeliveryBackpressure, err)
		}
		m.metrics.BridgeErrors.Inc()
		logger.WarnF("[%s] Fail to bridge message on %s to event bus, details: %v", origin, topic, err)
		return false
	}
	return true
}
