package broker

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
)

// SweepExpiredSessions 断开心跳超时的连接并清除已过期的离线会话。
// 持久化删除失败的 client_id 留到下一轮重试
func (m *Manager) SweepExpiredSessions(ctx context.Context) error {
	var errs error
	if err := m.retryPendingDeletes(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	now := m.clock.Now()
	var expired []string
	for _, s := range m.sessions.Snapshot() {
		if s.KeepAliveExpired(now) {
			m.expireKeepAlive(ctx, s)
			continue
		}
		if s.Expired(now) && m.expire(s) {
			expired = append(expired, s.ClientID)
		}
	}
	if len(expired) > 0 {
		m.updateGauges()
		logger.InfoF("Expiry sweep purged %d sessions", len(expired))
		// 先让队列里排在前面的写入落盘，避免删除后又被旧快照写回
		if err := m.persist.flush(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
		for _, clientID := range expired {
			errs = multierr.Append(errs, m.deleteStoredSession(ctx, clientID))
		}
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrExpirySweep, errs)
	}
	return nil
}

// expireKeepAlive 按非正常断开处理，遗嘱照常发布
func (m *Manager) expireKeepAlive(ctx context.Context, s *session.Session) {
	conn := s.Conn()
	if conn == nil {
		return
	}
	logger.WarnF("[%s] Keep alive timeout, last seen %s", s.ClientID, s.LastSeen().Format("2006-01-02 15:04:05"))
	if err := m.HandleDisconnect(ctx, s.ClientID, conn, false); err != nil {
		logger.WarnF("[%s] Fail to disconnect expired client, details: %v", s.ClientID, err)
	}
	if err := conn.Close(ErrKeepAliveTimeout); err != nil {
		logger.DebugF("[%s] Fail to close connection, details: %v", s.ClientID, err)
	}
}

func (m *Manager) expire(s *session.Session) bool {
	unlock := m.locks.Lock(s.ClientID)
	defer unlock()
	// 加锁后再确认一次，期间客户端可能已重连
	if current, ok := m.sessions.Get(s.ClientID); !ok || current != s || !s.Expired(m.clock.Now()) {
		return false
	}
	m.purge(s)
	m.metrics.ExpiredSessions.Inc()
	logger.InfoF("[%s] Session expired", s.ClientID)
	return true
}

func (m *Manager) deleteStoredSession(ctx context.Context, clientID string) error {
	if m.persist == nil {
		return nil
	}
	if err := m.persist.store.DeleteSession(ctx, clientID); err != nil {
		m.metrics.PersistErrors.Inc()
		m.pendingMu.Lock()
		m.pendingDeletes[clientID] = struct{}{}
		m.pendingMu.Unlock()
		return fmt.Errorf("delete session %s: %w", clientID, err)
	}
	return nil
}

func (m *Manager) retryPendingDeletes(ctx context.Context) error {
	m.pendingMu.Lock()
	pending := make([]string, 0, len(m.pendingDeletes))
	for clientID := range m.pendingDeletes {
		pending = append(pending, clientID)
	}
	clear(m.pendingDeletes)
	m.pendingMu.Unlock()

	var errs error
	for _, clientID := range pending {
		errs = multierr.Append(errs, m.deleteStoredSession(ctx, clientID))
	}
	return errs
}

// forgetPendingDelete 客户端在重试前重连，旧的删除不再执行
func (m *Manager) forgetPendingDelete(clientID string) {
	m.pendingMu.Lock()
	delete(m.pendingDeletes, clientID)
	m.pendingMu.Unlock()
}

func (m *Manager) PendingDeletes() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pendingDeletes)
}

// Run 周期执行过期清理，直到 ctx 结束
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepExpiredSessions(ctx); err != nil {
				logger.WarnF("Session sweep failed, will retry next cycle, details: %v", err)
			}
		}
	}
}
