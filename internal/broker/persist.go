package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/database"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/retained"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/session"
)

const (
	persistWriteTimeout = 5 * time.Second
	drainConcurrency    = 8
)

type opKind int

const (
	opSaveSession opKind = iota
	opDeleteSession
	opSaveRetained
	opDeleteRetained
	opBarrier
)

type persistOp struct {
	kind     opKind
	key      string
	record   *session.Record
	retained *retained.Message
	done     chan struct{}
}

// slot 同一个键在队列中只占一个位置，后到的写入覆盖尚未落盘的旧写入
func (op persistOp) slot() string {
	switch op.kind {
	case opSaveSession, opDeleteSession:
		return "s/" + op.key
	case opSaveRetained, opDeleteRetained:
		return "r/" + op.key
	default:
		return ""
	}
}

// persister 单个后台协程按入队顺序把会话和保留消息的变更写入存储。
// 入队从不阻塞：同一个键尚未写出的旧值被直接替换，只写最新状态
type persister struct {
	store   database.Store
	metrics *metrics.Metrics

	mu       sync.Mutex
	cond     *sync.Cond
	order    []string
	pending  map[string]persistOp
	barriers int
	stopped  bool
	done     chan struct{}
}

func newPersister(store database.Store, m *metrics.Metrics) *persister {
	p := &persister{
		store:   store,
		metrics: m,
		pending: make(map[string]persistOp),
		done:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

func (p *persister) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for len(p.order) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.order) == 0 {
			p.mu.Unlock()
			return
		}
		slot := p.order[0]
		p.order[0] = ""
		p.order = p.order[1:]
		op := p.pending[slot]
		delete(p.pending, slot)
		p.mu.Unlock()

		p.apply(op)
	}
}

func (p *persister) apply(op persistOp) {
	if op.kind == opBarrier {
		close(op.done)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistWriteTimeout)
	defer cancel()

	var err error
	switch op.kind {
	case opSaveSession:
		err = p.store.SaveSession(ctx, op.record)
	case opDeleteSession:
		err = p.store.DeleteSession(ctx, op.key)
	case opSaveRetained:
		err = p.store.SaveRetained(ctx, op.retained)
	case opDeleteRetained:
		err = p.store.DeleteRetained(ctx, op.key)
	}
	if err != nil {
		p.metrics.PersistErrors.Inc()
		logger.ErrorF("Fail to persist %s, details: %v", op.key, err)
	}
}

// enqueue 停止后直接同步写入
func (p *persister) enqueue(op persistOp) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.apply(op)
		return
	}
	slot := op.slot()
	if op.kind == opBarrier {
		p.barriers++
		slot = fmt.Sprintf("b/%d", p.barriers)
	}
	if _, queued := p.pending[slot]; !queued {
		p.order = append(p.order, slot)
	}
	p.pending[slot] = op
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *persister) saveSession(record *session.Record) {
	p.enqueue(persistOp{kind: opSaveSession, key: record.ClientID, record: record})
}

func (p *persister) deleteSession(clientID string) {
	p.enqueue(persistOp{kind: opDeleteSession, key: clientID})
}

func (p *persister) saveRetained(msg *retained.Message) {
	p.enqueue(persistOp{kind: opSaveRetained, key: msg.Topic, retained: msg})
}

func (p *persister) deleteRetained(topic string) {
	p.enqueue(persistOp{kind: opDeleteRetained, key: topic})
}

// flush 等待此前入队的写入全部完成
func (p *persister) flush(ctx context.Context) error {
	if p == nil {
		return nil
	}
	done := make(chan struct{})
	p.enqueue(persistOp{kind: opBarrier, done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush persist queue: %w", ctx.Err())
	}
}

// close 停止接收新的异步写入并等待队列写完
func (p *persister) close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close persist queue: %w", ctx.Err())
	}
}

// Drain 停止接收新连接和发布，等待进行中的发布投递完成，
// 然后持久化非清洁会话、清除清洁会话
func (m *Manager) Drain(ctx context.Context) error {
	if !m.draining.CompareAndSwap(false, true) {
		return nil
	}
	logger.Info("Broker draining")

	released := make(chan struct{})
	go func() {
		m.gate.Lock()
		m.gate.Unlock()
		close(released)
	}()
	select {
	case <-released:
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight publishes: %w", ctx.Err())
	}

	errs := m.persist.close(ctx)

	var (
		g         errgroup.Group
		mu        sync.Mutex
		persisted int
		purged    int
	)
	g.SetLimit(drainConcurrency)
	now := m.clock.Now()
	for _, s := range m.sessions.Snapshot() {
		s := s
		g.Go(func() error {
			unlock := m.locks.Lock(s.ClientID)
			if conn := s.Conn(); conn != nil && s.Unbind(conn) {
				m.connected.Add(-1)
				m.metrics.Disconnected()
			}
			if s.CleanSession {
				m.purge(s)
				unlock()
				mu.Lock()
				purged++
				mu.Unlock()
				return nil
			}
			if s.ExpiresAt() == nil {
				s.SetExpiry(now, m.opts.SessionExpiry)
			} else {
				s.SetState(session.StateDisconnected)
			}
			record := s.Record()
			unlock()

			if m.persist == nil {
				return nil
			}
			err := m.persist.store.SaveSession(ctx, record)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.metrics.PersistErrors.Inc()
				errs = multierr.Append(errs, fmt.Errorf("persist session %s: %w", record.ClientID, err))
				return nil
			}
			persisted++
			return nil
		})
	}
	_ = g.Wait()

	// 队列写入失败只计数不重试，最后整体写一次保留消息
	if m.persist != nil {
		for _, msg := range m.retained.All() {
			if err := m.persist.store.SaveRetained(ctx, msg); err != nil {
				m.metrics.PersistErrors.Inc()
				errs = multierr.Append(errs, fmt.Errorf("persist retained %s: %w", msg.Topic, err))
			}
		}
	}
	m.updateGauges()
	logger.InfoF("Broker drained, %d sessions persisted, %d clean sessions purged", persisted, purged)
	return errs
}

// Restore 在开始服务前从存储恢复保留消息和非清洁会话
func (m *Manager) Restore(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	messages, err := m.persist.store.LoadRetained(ctx)
	if err != nil {
		return fmt.Errorf("load retained messages: %w", err)
	}
	m.retained.Load(messages)

	records, err := m.persist.store.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	now := m.clock.Now()
	restored := 0
	for _, record := range records {
		if record.CleanSession || (record.ExpiresAt != nil && !now.Before(*record.ExpiresAt)) {
			m.persist.deleteSession(record.ClientID)
			continue
		}
		s := session.FromRecord(record, m.opts.OutboxSize)
		if record.ExpiresAt == nil {
			s.SetExpiry(now, m.opts.SessionExpiry)
		}
		for _, sub := range record.Subscriptions {
			if _, err := m.tree.Subscribe(record.ClientID, sub.Filter, sub.QoS); err != nil {
				logger.WarnF("[%s] Skip invalid stored subscription %s, details: %v", record.ClientID, sub.Filter, err)
				s.RemoveSubscription(sub.Filter)
			}
		}
		m.sessions.Put(s)
		restored++
	}
	m.updateGauges()
	m.metrics.RetainedMessages.Set(float64(m.retained.Count()))
	logger.InfoF("Restored %d sessions and %d retained messages", restored, len(messages))
	return nil
}

// DrainCallback 注册到关闭流程
type DrainCallback struct {
	manager *Manager
}

func NewDrainCallback(m *Manager) *DrainCallback {
	return &DrainCallback{manager: m}
}

func (dc *DrainCallback) Invoke(ctx context.Context) error {
	return dc.manager.Drain(ctx)
}
