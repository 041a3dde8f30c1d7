// Package session 保存每个客户端的会话状态：订阅、遗嘱、存活时间、过期策略和待投递队列
package session

import (
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
)

type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn 会话绑定的网络连接
type Conn interface {
	ID() string
	Close(reason error) error
}

// Delivery 等待写出或等待确认的一条消息
type Delivery struct {
	PacketID uint16
	Message  *mqtt.Message
	Dup      bool
}

// Binding 一次成功连接携带的会话参数
type Binding struct {
	Conn      Conn
	Username  *string
	Protocol  mqtt.ProtocolVersion
	KeepAlive time.Duration
	Will      *mqtt.Message
}

type Session struct {
	ClientID     string
	CleanSession bool
	CreatedAt    time.Time

	mu            sync.Mutex
	username      *string
	protocol      mqtt.ProtocolVersion
	keepAlive     time.Duration
	subscriptions map[string]mqtt.QoS
	will          *mqtt.Message
	lastSeen      time.Time
	expiresAt     *time.Time
	state         State
	conn          Conn

	maxQueue      int
	outbox        []*Delivery
	inflight      map[uint16]*Delivery
	inflightOrder []uint16
	packetIDs     *PacketIDManager
	notify        chan struct{}
}

func New(clientID string, cleanSession bool, maxQueue int, now time.Time) *Session {
	if maxQueue <= 0 {
		maxQueue = 1
	}
	return &Session{
		ClientID:      clientID,
		CleanSession:  cleanSession,
		CreatedAt:     now,
		subscriptions: make(map[string]mqtt.QoS),
		lastSeen:      now,
		state:         StateConnecting,
		maxQueue:      maxQueue,
		inflight:      make(map[uint16]*Delivery),
		packetIDs:     NewPacketIDManager(),
		notify:        make(chan struct{}, 1),
	}
}

// Bind 绑定新连接并进入 Connected 状态，清除过期时间
func (s *Session) Bind(b Binding, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = b.Conn
	s.username = b.Username
	s.protocol = b.Protocol
	s.keepAlive = b.KeepAlive
	s.will = b.Will
	s.lastSeen = now
	s.expiresAt = nil
	s.state = StateConnected
}

// Unbind 仅当 conn 仍是当前绑定的连接时解除绑定，防止被接管的旧连接误伤新会话
func (s *Session) Unbind(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || conn == nil || s.conn.ID() != conn.ID() {
		return false
	}
	s.conn = nil
	s.state = StateDisconnecting
	return true
}

// IsBoundTo 判断会话当前是否绑定在该连接上
func (s *Session) IsBoundTo(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && conn != nil && s.conn.ID() == conn.ID()
}

func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

func (s *Session) Username() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) Protocol() mqtt.ProtocolVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

func (s *Session) KeepAlive() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlive
}

func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastSeen) {
		s.lastSeen = now
	}
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// KeepAliveExpired 超过 1.5 倍心跳间隔没有任何入站流量
func (s *Session) KeepAliveExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.keepAlive <= 0 {
		return false
	}
	return now.Sub(s.lastSeen) > s.keepAlive+s.keepAlive/2
}

// SetExpiry 设置离线会话的过期时间，expiry 为 nil 表示永不过期
func (s *Session) SetExpiry(now time.Time, expiry *time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	if expiry == nil {
		s.expiresAt = nil
		return
	}
	at := now.Add(*expiry)
	s.expiresAt = &at
}

func (s *Session) ExpiresAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiresAt == nil {
		return nil
	}
	at := *s.expiresAt
	return &at
}

func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateDisconnected && s.expiresAt != nil && !now.Before(*s.expiresAt)
}

func (s *Session) AddSubscription(filter string, qos mqtt.QoS) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = qos
}

func (s *Session) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[filter]
	delete(s.subscriptions, filter)
	return ok
}

func (s *Session) HasSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[filter]
	return ok
}

func (s *Session) Subscriptions() map[string]mqtt.QoS {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]mqtt.QoS, len(s.subscriptions))
	for filter, qos := range s.subscriptions {
		out[filter] = qos
	}
	return out
}

func (s *Session) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = make(map[string]mqtt.QoS)
}

// TakeWill 取出并清除遗嘱，保证遗嘱最多发布一次
func (s *Session) TakeWill() *mqtt.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	will := s.will
	s.will = nil
	return will
}

// Enqueue 追加到投递队列。队列已满时淘汰最旧的一条并返回
func (s *Session) Enqueue(msg *mqtt.Message) (evicted *Delivery) {
	s.mu.Lock()
	if len(s.outbox) >= s.maxQueue {
		evicted = s.outbox[0]
		s.outbox[0] = nil
		s.outbox = s.outbox[1:]
		if evicted.PacketID != 0 {
			s.packetIDs.ReleaseID(evicted.PacketID)
		}
	}
	s.outbox = append(s.outbox, &Delivery{Message: msg})
	s.mu.Unlock()

	s.signal()
	return evicted
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Notify 补发一次入队通知，写出协程放弃本轮通知时使用
func (s *Session) Notify() {
	s.signal()
}

// Ready 有新消息入队时收到通知
func (s *Session) Ready() <-chan struct{} {
	return s.notify
}

// TakeDeliveries 取出当前可写出的消息，为 QoS 1 消息分配报文标识符并移入未确认集合。
// 未确认集合满时停止，保持队列顺序
func (s *Session) TakeDeliveries() []*Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	taken := 0
	out := make([]*Delivery, 0, len(s.outbox))
	for _, d := range s.outbox {
		if d.Message.QoS > mqtt.AtMostOnce {
			if d.PacketID == 0 {
				if len(s.inflight) >= s.maxQueue {
					break
				}
				id, err := s.packetIDs.NextID()
				if err != nil {
					break
				}
				d.PacketID = id
			}
			s.inflight[d.PacketID] = d
			s.inflightOrder = append(s.inflightOrder, d.PacketID)
		}
		out = append(out, d)
		taken++
	}
	clear(s.outbox[:taken])
	s.outbox = s.outbox[taken:]
	return out
}

// Ack 确认 QoS 1 消息
func (s *Session) Ack(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[packetID]; !ok {
		return false
	}
	delete(s.inflight, packetID)
	for i, id := range s.inflightOrder {
		if id == packetID {
			s.inflightOrder = append(s.inflightOrder[:i], s.inflightOrder[i+1:]...)
			break
		}
	}
	s.packetIDs.ReleaseID(packetID)
	return true
}

// Requeue 将未确认的消息按原顺序放回队首并标记 DUP，用于非清洁会话重连后重发
func (s *Session) Requeue() int {
	s.mu.Lock()
	if len(s.inflight) == 0 {
		s.mu.Unlock()
		return 0
	}
	pending := make([]*Delivery, 0, len(s.inflightOrder)+len(s.outbox))
	for _, id := range s.inflightOrder {
		d := s.inflight[id]
		d.Dup = true
		pending = append(pending, d)
	}
	count := len(s.inflight)
	s.outbox = append(pending, s.outbox...)
	s.inflight = make(map[uint16]*Delivery)
	s.inflightOrder = nil
	s.mu.Unlock()

	s.signal()
	return count
}

// Pending 返回队列中和未确认的消息数
func (s *Session) Pending() (queued int, inflight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox), len(s.inflight)
}

// DropQueued 清空队列和未确认集合，用于清洁会话
func (s *Session) DropQueued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := len(s.outbox) + len(s.inflight)
	s.outbox = nil
	s.inflight = make(map[uint16]*Delivery)
	s.inflightOrder = nil
	s.packetIDs = NewPacketIDManager()
	return dropped
}
