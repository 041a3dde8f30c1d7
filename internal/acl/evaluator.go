package acl

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/subscription"
)

var ErrInvalidDefaultPolicy = errors.New("acl: default policy must be allow or deny")

type Options struct {
	DefaultPolicy Permission
	CacheSize     int           // <= 0 时不缓存
	CacheTTL      time.Duration
}

// Evaluator 规则按优先级降序保存，写时复制，读路径无锁
type Evaluator struct {
	defaultPolicy Permission
	rules         atomic.Pointer[[]Rule]
	cache         *expirable.LRU[string, bool]
}

func ParsePermission(value string) (Permission, error) {
	switch Permission(strings.ToLower(value)) {
	case Allow:
		return Allow, nil
	case Deny:
		return Deny, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrInvalidDefaultPolicy, value)
	}
}

func NewEvaluator(opts Options, rules []Rule) (*Evaluator, error) {
	if opts.DefaultPolicy != Allow && opts.DefaultPolicy != Deny {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidDefaultPolicy, opts.DefaultPolicy)
	}
	e := &Evaluator{defaultPolicy: opts.DefaultPolicy}
	if opts.CacheSize > 0 {
		e.cache = expirable.NewLRU[string, bool](opts.CacheSize, nil, opts.CacheTTL)
	}
	if err := e.SetRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Evaluator) DefaultPolicy() Permission {
	return e.defaultPolicy
}

// SetRules 整体替换规则集
func (e *Evaluator) SetRules(rules []Rule) error {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	for i := range sorted {
		if err := sorted[i].Validate(); err != nil {
			return fmt.Errorf("rule #%d: %w", i+1, err)
		}
	}
	// 稳定排序，同优先级保持声明顺序
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	e.rules.Store(&sorted)
	e.purge()
	logger.DebugF("ACL rules loaded, count=%d default=%s", len(sorted), e.defaultPolicy)
	return nil
}

func (e *Evaluator) AddRule(rule Rule) error {
	for {
		current := e.rules.Load()
		if err := rule.Validate(); err != nil {
			return err
		}
		next := make([]Rule, 0, len(*current)+1)
		next = append(next, *current...)
		next = append(next, rule)
		sort.SliceStable(next, func(i, j int) bool { return next[i].Priority > next[j].Priority })
		if e.rules.CompareAndSwap(current, &next) {
			e.purge()
			logger.InfoF("ACL rule added: %s", rule.String())
			return nil
		}
	}
}

// Rules 按评估顺序返回规则快照
func (e *Evaluator) Rules() []Rule {
	current := *e.rules.Load()
	out := make([]Rule, len(current))
	copy(out, current)
	return out
}

func (e *Evaluator) purge() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

func (e *Evaluator) CheckPublish(clientID string, username *string, topic string) bool {
	return e.Check(clientID, username, topic, ActionPublish)
}

// CheckSubscribe 把订阅过滤器当作主题文本与规则匹配，不做过滤器之间的包含判断。
// 拒绝 secret/# 不会拦住对 # 或 +/x 的订阅，需要时用更宽的拒绝规则配合默认拒绝
func (e *Evaluator) CheckSubscribe(clientID string, username *string, filter string) bool {
	return e.Check(clientID, username, filter, ActionSubscribe)
}

// Check 返回第一条匹配规则的权限，无规则匹配时返回默认策略
func (e *Evaluator) Check(clientID string, username *string, topic string, action Action) bool {
	var key string
	if e.cache != nil {
		key = cacheKey(clientID, username, topic, action)
		if allowed, ok := e.cache.Get(key); ok {
			return allowed
		}
	}

	allowed := e.evaluate(clientID, username, topic, action)
	if e.cache != nil {
		e.cache.Add(key, allowed)
	}
	return allowed
}

func (e *Evaluator) evaluate(clientID string, username *string, topic string, action Action) bool {
	rules := *e.rules.Load()
	for i := range rules {
		rule := &rules[i]
		if !rule.matchesClient(clientID, username) || !rule.matchesAction(action) {
			continue
		}
		filter, ok := rule.topicFilter(clientID, username)
		if !ok || !subscription.Matches(filter, topic) {
			continue
		}
		logger.Debug("ACL rule matched", "client_id", clientID, "topic", topic, "action", string(action), "permission", string(rule.Permission))
		return rule.Permission == Allow
	}
	logger.Debug("No ACL rule matched, using default policy", "client_id", clientID, "topic", topic, "action", string(action), "permission", string(e.defaultPolicy))
	return e.defaultPolicy == Allow
}

func cacheKey(clientID string, username *string, topic string, action Action) string {
	var b strings.Builder
	b.WriteString(string(action))
	b.WriteByte(0)
	b.WriteString(clientID)
	b.WriteByte(0)
	if username != nil {
		b.WriteByte('u')
		b.WriteString(*username)
	}
	b.WriteByte(0)
	b.WriteString(topic)
	return b.String()
}
