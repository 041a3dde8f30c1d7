package broker

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/subscription"
)

// HandleSubscribe 校验 ACL 后写入主题树和会话，随后回放匹配的保留消息。
// 返回实际授予的 QoS
func (m *Manager) HandleSubscribe(_ context.Context, clientID string, filter string, requested mqtt.QoS) (mqtt.QoS, error) {
	if err := subscription.ValidateFilter(filter); err != nil {
		return 0, err
	}
	if !requested.Valid() {
		return 0, fmt.Errorf("%w: invalid qos %d", ErrMalformedEvent, requested)
	}

	unlock := m.locks.Lock(clientID)
	s, err := m.connectedSession(clientID)
	if err != nil {
		unlock()
		return 0, err
	}
	s.Touch(m.clock.Now())

	if !m.acl.CheckSubscribe(clientID, s.Username(), filter) {
		unlock()
		m.metrics.Dropped(metrics.DropACLDenied)
		logger.InfoF("[%s] Subscribe to %s denied by acl", clientID, filter)
		return 0, ErrACLDenied
	}

	granted, downgraded := m.effectiveQoS(requested)
	if downgraded {
		m.metrics.QoSDowngrades.Inc()
	}
	// 先写会话再写主题树，发布方从树里匹配到的订阅者在会话中一定存在
	previous, existed := s.Subscriptions()[filter]
	s.AddSubscription(filter, granted)
	if _, err := m.tree.Subscribe(clientID, filter, granted); err != nil {
		if existed {
			s.AddSubscription(filter, previous)
		} else {
			s.RemoveSubscription(filter)
		}
		unlock()
		return 0, err
	}
	if !s.CleanSession {
		m.persist.saveSession(s.Record())
	}
	unlock()
	m.updateGauges()
	logger.DebugF("[%s] Subscribed to %s, qos %d", clientID, filter, granted)

	m.replayRetained(s, filter, granted)
	return granted, nil
}

// replayRetained 向新订阅回放保留消息，每条最多一次
func (m *Manager) replayRetained(s *session.Session, filter string, granted mqtt.QoS) {
	for _, stored := range m.retained.GetMatching(filter) {
		msg := stored.ToMessage()
		msg.QoS = mqtt.MinQoS(msg.QoS, granted)
		if evicted := s.Enqueue(msg); evicted != nil {
			m.metrics.Dropped(metrics.DropBackpressure)
		}
		m.metrics.Delivered(byte(msg.QoS))
	}
}

// HandleUnsubscribe 幂等地移除订阅
func (m *Manager) HandleUnsubscribe(_ context.Context, clientID string, filter string) error {
	if err := subscription.ValidateFilter(filter); err != nil {
		return err
	}
	unlock := m.locks.Lock(clientID)
	defer unlock()
	s, err := m.connectedSession(clientID)
	if err != nil {
		return err
	}
	s.Touch(m.clock.Now())
	// 与订阅相反，先移出主题树再改会话
	m.tree.Unsubscribe(clientID, filter)
	if s.RemoveSubscription(filter) && !s.CleanSession {
		m.persist.saveSession(s.Record())
	}
	m.updateGauges()
	return nil
}

func (m *Manager) connectedSession(clientID string) (*session.Session, error) {
	s, ok := m.sessions.Get(clientID)
	if !ok || !s.Connected() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, clientID)
	}
	return s, nil
}
