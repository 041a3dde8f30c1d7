package broker

import (
	"context"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
)

// HandleDisconnect 处理连接断开。conn 不是会话当前绑定的连接时(已被接管)直接忽略。
// 非正常断开先发布遗嘱，再按 clean session 清除或保留会话
func (m *Manager) HandleDisconnect(ctx context.Context, clientID string, conn Connection, graceful bool) error {
	unlock := m.locks.Lock(clientID)
	s, ok := m.sessions.Get(clientID)
	if !ok || !s.Unbind(conn) {
		unlock()
		logger.DebugF("[%s] Stale disconnect ignored", clientID)
		return nil
	}
	m.connected.Add(-1)
	m.metrics.Disconnected()
	will := s.TakeWill()
	unlock()

	// 遗嘱可能阻塞在事件总线上，发布时不持有 client_id 的锁
	if !graceful && will != nil {
		if _, err := m.publishAs(ctx, clientID, s.Username(), will); err != nil {
			logger.WarnF("[%s] Fail to publish will message on %s, details: %v", clientID, will.Topic, err)
		} else {
			logger.InfoF("[%s] Will message published on %s", clientID, will.Topic)
		}
	}

	unlock = m.locks.Lock(clientID)
	defer unlock()
	// 发布遗嘱期间客户端可能已经重连并接管或恢复了会话
	if current, ok := m.sessions.Get(clientID); !ok || current != s || s.Conn() != nil {
		logger.DebugF("[%s] Session reused before teardown", clientID)
		return nil
	}
	if s.CleanSession {
		m.purge(s)
		logger.InfoF("[%s] Client disconnected, clean session purged", clientID)
	} else {
		s.SetExpiry(m.clock.Now(), m.opts.SessionExpiry)
		m.persist.saveSession(s.Record())
		logger.InfoF("[%s] Client disconnected, session kept", clientID)
	}
	m.updateGauges()
	return nil
}

// HandleAck 处理 QoS 1 的 PUBACK，非清洁会话同步更新持久化的待确认列表
func (m *Manager) HandleAck(clientID string, packetID uint16) bool {
	s, ok := m.sessions.Get(clientID)
	if !ok {
		return false
	}
	s.Touch(m.clock.Now())
	if !s.Ack(packetID) {
		logger.DebugF("[%s] PUBACK for unknown packet id %d", clientID, packetID)
		return false
	}
	m.mirror(s)
	return true
}

// HandlePing 任何入站流量都刷新 last_seen，PINGREQ 只是最常见的一种
func (m *Manager) HandlePing(clientID string) {
	if s, ok := m.sessions.Get(clientID); ok {
		s.Touch(m.clock.Now())
	}
}
