package session

import (
	"sort"
	"time"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
)

// Subscription 持久化的订阅项。过滤器可能包含 '.' 或以 '$' 开头，不适合作为文档字段名
type Subscription struct {
	Filter string   `bson:"filter" msgpack:"filter"`
	QoS    mqtt.QoS `bson:"qos" msgpack:"qos"`
}

// Record 会话的持久化快照，键为 client_id
type Record struct {
	ClientID      string               `bson:"client_id" msgpack:"client_id"`
	Username      *string              `bson:"username,omitempty" msgpack:"username,omitempty"`
	Protocol      mqtt.ProtocolVersion `bson:"protocol" msgpack:"protocol"`
	CleanSession  bool                 `bson:"clean_session" msgpack:"clean_session"`
	Subscriptions []Subscription       `bson:"subscriptions" msgpack:"subscriptions"`
	Pending       []*mqtt.Message      `bson:"pending" msgpack:"pending"`                           // 未确认及排队中的 QoS 1 消息
	LastSeen      time.Time            `bson:"last_seen" msgpack:"last_seen"`
	ExpiresAt     *time.Time           `bson:"expires_at,omitempty" msgpack:"expires_at,omitempty"`
	CreatedAt     time.Time            `bson:"created_at" msgpack:"created_at"`
}

// Record 生成快照。QoS 0 消息不持久化
func (s *Session) Record() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]Subscription, 0, len(s.subscriptions))
	for filter, qos := range s.subscriptions {
		subs = append(subs, Subscription{Filter: filter, QoS: qos})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Filter < subs[j].Filter })
	var pending []*mqtt.Message
	for _, id := range s.inflightOrder {
		pending = append(pending, s.inflight[id].Message)
	}
	for _, d := range s.outbox {
		if d.Message.QoS > mqtt.AtMostOnce {
			pending = append(pending, d.Message)
		}
	}
	var expiresAt *time.Time
	if s.expiresAt != nil {
		at := *s.expiresAt
		expiresAt = &at
	}
	return &Record{
		ClientID:      s.ClientID,
		Username:      s.username,
		Protocol:      s.protocol,
		CleanSession:  s.CleanSession,
		Subscriptions: subs,
		Pending:       pending,
		LastSeen:      s.lastSeen,
		ExpiresAt:     expiresAt,
		CreatedAt:     s.CreatedAt,
	}
}

// FromRecord 从快照恢复一个离线会话
func FromRecord(r *Record, maxQueue int) *Session {
	s := New(r.ClientID, r.CleanSession, maxQueue, r.CreatedAt)
	s.username = r.Username
	s.protocol = r.Protocol
	s.lastSeen = r.LastSeen
	s.state = StateDisconnected
	if r.ExpiresAt != nil {
		at := *r.ExpiresAt
		s.expiresAt = &at
	}
	for _, sub := range r.Subscriptions {
		s.subscriptions[sub.Filter] = sub.QoS
	}
	for _, msg := range r.Pending {
		if len(s.outbox) >= s.maxQueue {
			break
		}
		s.outbox = append(s.outbox, &Delivery{Message: msg, Dup: true})
	}
	return s
}
