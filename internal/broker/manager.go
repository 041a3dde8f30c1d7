// Package broker 是路由引擎：持有会话表、主题树和保留消息，
// 协议层只能通过 Manager 的操作修改它们
package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/acl"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/bus"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/database"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/retained"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/subscription"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/utils"
)

// lockStripes client_id 锁的分条数
const lockStripes = 256

// Publisher 外部事件总线的发布端
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) error
}

type Options struct {
	MaxQoS            mqtt.QoS
	OutboxSize        int
	SessionExpiry     *time.Duration // nil 表示离线会话永不过期
	SweepInterval     time.Duration
	BusPublishTimeout time.Duration
}

// Dependencies 外部协作者。Bus、Store、Metrics 可以为空
type Dependencies struct {
	Clock         clock.Clock
	ACL           *acl.Evaluator
	Authenticator auth.Authenticator
	Bus           Publisher
	Store         database.Store
	Metrics       *metrics.Metrics
}

type Manager struct {
	opts    Options
	clock   clock.Clock
	acl     *acl.Evaluator
	auth    auth.Authenticator
	bus     Publisher
	metrics *metrics.Metrics

	sessions *session.Table
	tree     *subscription.Tree
	retained *retained.Store
	locks    *utils.KeyedMutex
	persist  *persister

	// 发布路径持有读锁，Drain 通过写锁等待进行中的发布完成
	gate      sync.RWMutex
	draining  atomic.Bool
	connected atomic.Int64

	pendingMu      sync.Mutex
	pendingDeletes map[string]struct{}
}

func New(opts Options, deps Dependencies) (*Manager, error) {
	if deps.ACL == nil {
		return nil, errors.New("broker: acl evaluator is required")
	}
	if deps.Authenticator == nil {
		return nil, errors.New("broker: authenticator is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if !opts.MaxQoS.Valid() {
		opts.MaxQoS = mqtt.AtLeastOnce
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 1000
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.BusPublishTimeout <= 0 {
		opts.BusPublishTimeout = 5 * time.Second
	}

	m := &Manager{
		opts:           opts,
		clock:          deps.Clock,
		acl:            deps.ACL,
		auth:           deps.Authenticator,
		bus:            deps.Bus,
		metrics:        deps.Metrics,
		sessions:       session.NewTable(),
		tree:           subscription.NewTree(),
		retained:       retained.NewStore(deps.Clock),
		locks:          utils.NewKeyedMutex(lockStripes),
		pendingDeletes: make(map[string]struct{}),
	}
	if deps.Store != nil {
		m.persist = newPersister(deps.Store, deps.Metrics)
	}
	return m, nil
}

// Session 按 client_id 查找会话，协议层用它获取投递队列
func (m *Manager) Session(clientID string) (*session.Session, bool) {
	return m.sessions.Get(clientID)
}

// Subscribers 当前匹配该主题的订阅者，只读
func (m *Manager) Subscribers(topic string) []subscription.Subscriber {
	return m.tree.FindMatchingClients(topic)
}

func (m *Manager) Retained(topic string) (*retained.Message, bool) {
	return m.retained.Get(topic)
}

func (m *Manager) Draining() bool {
	return m.draining.Load()
}

func (m *Manager) Stats() Stats {
	return Stats{
		Sessions:      m.sessions.Len(),
		Connected:     int(m.connected.Load()),
		Subscriptions: m.tree.Count(),
		Retained:      m.retained.Count(),
	}
}

func (m *Manager) updateGauges() {
	m.metrics.Sessions.Set(float64(m.sessions.Len()))
	m.metrics.Subscriptions.Set(float64(m.tree.Count()))
}

// effectiveQoS 服务端不支持 QoS 2，按 QoS 1 处理
func (m *Manager) effectiveQoS(requested mqtt.QoS) (mqtt.QoS, bool) {
	qos := mqtt.MinQoS(requested, m.opts.MaxQoS)
	if qos == mqtt.ExactlyOnce {
		return mqtt.AtLeastOnce, true
	}
	return qos, requested == mqtt.ExactlyOnce
}

func isACLDenied(err error) bool {
	return errors.Is(err, ErrACLDenied)
}

func isInvalidFilter(err error) bool {
	return errors.Is(err, subscription.ErrInvalidFilter)
}
