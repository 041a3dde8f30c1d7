// Package acl 按优先级顺序评估发布/订阅权限规则
package acl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/subscription"
)

type Action string

const (
	ActionPublish   Action = "publish"
	ActionSubscribe Action = "subscribe"
	ActionBoth      Action = "both"
)

type Permission string

const (
	Allow Permission = "allow"
	Deny  Permission = "deny"
)

var ErrInvalidRule = errors.New("acl: invalid rule")

// Rule 访问控制规则。ClientID / Username 为 nil 时匹配任意客户端或用户，
// 支持单个 '*' 通配；Topic 中可使用 %c（客户端ID）和 %u（用户名）占位符
type Rule struct {
	ClientID   *string    `yaml:"client_id,omitempty" json:"client_id,omitempty" bson:"client_id,omitempty"`
	Username   *string    `yaml:"username,omitempty" json:"username,omitempty" bson:"username,omitempty"`
	Topic      string     `yaml:"topic" json:"topic" bson:"topic"`
	Action     Action     `yaml:"action" json:"action" bson:"action"`
	Permission Permission `yaml:"permission" json:"permission" bson:"permission"`
	Priority   int        `yaml:"priority" json:"priority" bson:"priority"`
}

func (r *Rule) Validate() error {
	switch r.Action {
	case ActionPublish, ActionSubscribe, ActionBoth:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, r.Action)
	}
	switch r.Permission {
	case Allow, Deny:
	default:
		return fmt.Errorf("%w: unknown permission %q", ErrInvalidRule, r.Permission)
	}
	// 占位符替换后才是真正的过滤器，这里用示例值校验结构
	sample := strings.NewReplacer("%c", "c", "%u", "u").Replace(r.Topic)
	if err := subscription.ValidateFilter(sample); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

func (r *Rule) String() string {
	deref := func(p *string) string {
		if p == nil {
			return "*"
		}
		return *p
	}
	return fmt.Sprintf("%s %s %s client=%s user=%s priority=%d",
		r.Permission, r.Action, r.Topic, deref(r.ClientID), deref(r.Username), r.Priority)
}

func (r *Rule) matchesAction(requested Action) bool {
	return r.Action == ActionBoth || r.Action == requested
}

// matchesClient 判断规则是否适用于该客户端。规则指定了用户名而客户端匿名时不匹配
func (r *Rule) matchesClient(clientID string, username *string) bool {
	if r.ClientID != nil && !matchesPattern(*r.ClientID, clientID) {
		return false
	}
	if r.Username != nil {
		if username == nil || !matchesPattern(*r.Username, *username) {
			return false
		}
	}
	return true
}

// topicFilter 展开占位符，规则引用了 %u 而客户端匿名时返回 false
func (r *Rule) topicFilter(clientID string, username *string) (string, bool) {
	filter := r.Topic
	if strings.Contains(filter, "%u") {
		if username == nil {
			return "", false
		}
		filter = strings.ReplaceAll(filter, "%u", *username)
	}
	return strings.ReplaceAll(filter, "%c", clientID), true
}

// matchesPattern 支持 "*"、"prefix*"、"*suffix" 和 "prefix*suffix"
func matchesPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, suffix, found := strings.Cut(pattern, "*"); found && !strings.Contains(suffix, "*") {
		return len(value) >= len(prefix)+len(suffix) &&
			strings.HasPrefix(value, prefix) && strings.HasSuffix(value, suffix)
	}
	return pattern == value
}

// StringPtr 便于构造规则
func StringPtr(s string) *string {
	return &s
}
