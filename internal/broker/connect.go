package broker

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
)

// HandleConnect 认证并建立或恢复会话。认证必须先于任何会话状态的修改
func (m *Manager) HandleConnect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	if m.draining.Load() {
		return nil, m.reject(rejectConnect(ConnectServerUnavailable, ErrShuttingDown))
	}
	if req.Protocol != mqtt.ProtocolV311 && req.Protocol != mqtt.ProtocolV5 {
		return nil, m.reject(rejectConnect(ConnectUnsupportedProtocol, ErrMalformedEvent))
	}
	if req.Conn == nil {
		return nil, m.reject(rejectConnect(ConnectServerUnavailable, errors.New("broker: connect without connection")))
	}

	result := &ConnectResult{ClientID: req.ClientID}
	if req.ClientID == "" {
		// 3.1.1 要求空标识符必须配合 clean session
		if !req.CleanSession && req.Protocol == mqtt.ProtocolV311 {
			return nil, m.reject(rejectConnect(ConnectIdentifierRejected, ErrMalformedEvent))
		}
		result.ClientID = "auto-" + uuid.NewString()
		result.Assigned = true
	}

	identity, err := m.auth.Authenticate(ctx, auth.Credentials{
		ClientID:   result.ClientID,
		Username:   req.Username,
		Password:   req.Password,
		ClientCert: req.ClientCert,
	})
	if err != nil || identity == nil {
		m.metrics.AuthFailures.Inc()
		outcome := ConnectBadCredentials
		if errors.Is(err, auth.ErrNotAuthorized) {
			outcome = ConnectNotAuthorized
		}
		if err == nil {
			err = auth.ErrNotAuthorized
		}
		logger.WarnF("[%s] Authentication failed, details: %v", result.ClientID, err)
		return nil, m.reject(rejectConnect(outcome, errors.Join(ErrAuthenticationFailure, err)))
	}
	if identity.ClientID != "" && identity.ClientID != result.ClientID {
		// 令牌绑定了 client_id 时必须一致
		m.metrics.AuthFailures.Inc()
		return nil, m.reject(rejectConnect(ConnectIdentifierRejected, ErrAuthenticationFailure))
	}

	unlock := m.locks.Lock(result.ClientID)
	now := m.clock.Now()
	var replaced Connection
	existing, exists := m.sessions.Get(result.ClientID)
	if exists {
		if old := existing.Conn(); old != nil && existing.Unbind(old) {
			// 旧连接的遗嘱随接管一起丢弃
			existing.TakeWill()
			replaced = old
			result.Takeover = true
			m.connected.Add(-1)
			m.metrics.Disconnected()
			m.metrics.Takeovers.Inc()
		}
	}

	var s *session.Session
	if exists && !req.CleanSession && !existing.CleanSession {
		s = existing
		result.SessionPresent = true
	} else {
		if exists {
			// 新会话随后整体替换旧会话，表中不会出现空档
			m.detach(existing)
			if !existing.CleanSession {
				m.persist.deleteSession(result.ClientID)
			}
		}
		s = session.New(result.ClientID, req.CleanSession, m.opts.OutboxSize, now)
	}

	var will *mqtt.Message
	if req.Will != nil {
		will = req.Will.Clone()
		will.QoS, _ = m.effectiveQoS(will.QoS)
	}
	s.Bind(session.Binding{
		Conn:      req.Conn,
		Username:  identity.Username,
		Protocol:  req.Protocol,
		KeepAlive: req.KeepAlive,
		Will:      will,
	}, now)
	m.sessions.Put(s)
	m.forgetPendingDelete(result.ClientID)
	if result.SessionPresent {
		result.Requeued = s.Requeue()
	}
	if !s.CleanSession {
		m.persist.saveSession(s.Record())
	}
	result.Session = s
	m.connected.Add(1)
	m.metrics.Connected()
	unlock()

	// 关闭旧连接可能要写出 DISCONNECT，放在锁外
	if replaced != nil {
		logger.InfoF("[%s] Session taken over by a new connection", result.ClientID)
		if err := replaced.Close(ErrSessionTakenOver); err != nil {
			logger.DebugF("[%s] Fail to close replaced connection, details: %v", result.ClientID, err)
		}
	}

	m.updateGauges()
	logger.InfoF("[%s] Client connected, protocol: %s, clean session: %t, session present: %t",
		result.ClientID, req.Protocol, req.CleanSession, result.SessionPresent)
	return result, nil
}

func (m *Manager) reject(err *ConnectError) error {
	m.metrics.Rejected(err.Outcome.String())
	return err
}

// purge 从主题树和会话表中移除会话，调用方持有该 client_id 的锁
func (m *Manager) purge(s *session.Session) {
	m.detach(s)
	m.sessions.CompareAndDelete(s)
}

// detach 清空会话状态。先移出主题树再清会话，发布方不会看到树里有而会话里没有的订阅
func (m *Manager) detach(s *session.Session) {
	m.tree.UnsubscribeAll(s.ClientID)
	s.ClearSubscriptions()
	s.DropQueued()
	s.TakeWill()
	s.SetState(session.StateDisconnected)
}
