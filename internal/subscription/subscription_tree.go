// Package subscription 实现了内存中的主题订阅树与通配符匹配
package subscription

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/utils"
)

// TopicTreeNode 主题订阅树节点
type TopicTreeNode struct {
	mu     sync.RWMutex
	parent *TopicTreeNode
	dead   bool           // 已从父节点摘除，持有旧指针的写入方需要从根重试

	Path  string // 物化路径（如 "sport/football"）
	Level string // 当前层级名称（如 "football"）

	// 直接子节点（精确匹配）
	Children map[string]*TopicTreeNode

	// 通配符
	WildcardPlus *TopicTreeNode      // "+" 通配符子节点（单层）
	WildcardHash map[string]mqtt.QoS // 以当前路径为前缀的 "#" 订阅，key=客户端ID

	// 终端订阅者（当前路径的精确匹配订阅）
	Terminals map[string]mqtt.QoS
}

// Subscriber 一次匹配的结果，每个客户端只出现一次
type Subscriber struct {
	ClientID string
	Filter   string
	QoS      mqtt.QoS
}

// Tree 订阅树。节点各自加锁，不存在全局锁；按客户端维护的索引用于整体退订
type Tree struct {
	root    *TopicTreeNode
	clients *utils.ShardedMap[map[string]mqtt.QoS]
	count   atomic.Int64
}

func NewTree() *Tree {
	return &Tree{
		root:    newNode(nil, "", ""),
		clients: utils.NewShardedMap[map[string]mqtt.QoS](utils.DefaultShardCount),
	}
}

// Subscribe 添加或更新订阅，重复订阅只更新 QoS。返回该订阅是否为新建
func (t *Tree) Subscribe(clientID string, filter string, qos mqtt.QoS) (bool, error) {
	if err := ValidateFilter(filter); err != nil {
		return false, err
	}
	created := false
	t.clients.Update(clientID, func(filters map[string]mqtt.QoS, exists bool) (map[string]mqtt.QoS, bool) {
		if !exists {
			filters = make(map[string]mqtt.QoS)
		}
		_, had := filters[filter]
		t.insert(clientID, filter, qos)
		filters[filter] = qos
		if !had {
			created = true
			t.count.Add(1)
		}
		return filters, true
	})
	return created, nil
}

// Unsubscribe 删除订阅，订阅不存在时不做任何事
func (t *Tree) Unsubscribe(clientID string, filter string) bool {
	removed := false
	t.clients.Update(clientID, func(filters map[string]mqtt.QoS, exists bool) (map[string]mqtt.QoS, bool) {
		if !exists {
			return nil, false
		}
		if _, ok := filters[filter]; ok {
			t.remove(clientID, filter)
			delete(filters, filter)
			t.count.Add(-1)
			removed = true
		}
		return filters, len(filters) > 0
	})
	return removed
}

// UnsubscribeAll 删除客户端的全部订阅，返回删除数量
func (t *Tree) UnsubscribeAll(clientID string) int {
	removed := 0
	t.clients.Update(clientID, func(filters map[string]mqtt.QoS, exists bool) (map[string]mqtt.QoS, bool) {
		for filter := range filters {
			t.remove(clientID, filter)
			removed++
		}
		t.count.Add(int64(-removed))
		return nil, false
	})
	return removed
}

// Filters 返回客户端当前的订阅快照
func (t *Tree) Filters(clientID string) map[string]mqtt.QoS {
	result := make(map[string]mqtt.QoS)
	t.clients.Update(clientID, func(filters map[string]mqtt.QoS, exists bool) (map[string]mqtt.QoS, bool) {
		for filter, qos := range filters {
			result[filter] = qos
		}
		return filters, exists
	})
	return result
}

// Count 返回全部订阅数量
func (t *Tree) Count() int {
	return int(t.count.Load())
}

func (t *Tree) insert(clientID string, filter string, qos mqtt.QoS) {
	levels := strings.Split(filter, "/")
	for {
		if t.tryInsert(levels, clientID, qos) {
			return
		}
		// 路径上的节点被并发摘除，从根重试
	}
}

func (t *Tree) tryInsert(levels []string, clientID string, qos mqtt.QoS) bool {
	node := t.root
	for i, level := range levels {
		if level == "#" {
			node.mu.Lock()
			defer node.mu.Unlock()
			if node.dead {
				return false
			}
			if node.WildcardHash == nil {
				node.WildcardHash = make(map[string]mqtt.QoS)
			}
			node.WildcardHash[clientID] = qos
			return true
		}

		node.mu.Lock()
		if node.dead {
			node.mu.Unlock()
			return false
		}
		var child *TopicTreeNode
		if level == "+" {
			if node.WildcardPlus == nil {
				node.WildcardPlus = newNode(node, strings.Join(levels[:i+1], "/"), level)
			}
			child = node.WildcardPlus
		} else {
			child = node.Children[level]
			if child == nil {
				child = newNode(node, strings.Join(levels[:i+1], "/"), level)
				node.Children[level] = child
			}
		}
		node.mu.Unlock()
		node = child
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if node.dead {
		return false
	}
	if node.Terminals == nil {
		node.Terminals = make(map[string]mqtt.QoS)
	}
	node.Terminals[clientID] = qos
	return true
}

func (t *Tree) remove(clientID string, filter string) {
	levels := strings.Split(filter, "/")
	node := t.root
	hash := false
	for _, level := range levels {
		if level == "#" {
			hash = true
			break
		}
		node.mu.RLock()
		var child *TopicTreeNode
		if level == "+" {
			child = node.WildcardPlus
		} else {
			child = node.Children[level]
		}
		node.mu.RUnlock()
		if child == nil {
			return
		}
		node = child
	}

	node.mu.Lock()
	if hash {
		delete(node.WildcardHash, clientID)
	} else {
		delete(node.Terminals, clientID)
	}
	node.mu.Unlock()

	t.prune(node)
}

// prune 自下而上摘除空节点。锁顺序固定为先父后子
func (t *Tree) prune(node *TopicTreeNode) {
	for node.parent != nil {
		parent := node.parent
		parent.mu.Lock()
		node.mu.Lock()
		if node.dead || !node.isEmpty() {
			node.mu.Unlock()
			parent.mu.Unlock()
			return
		}
		node.dead = true
		if parent.WildcardPlus == node {
			parent.WildcardPlus = nil
		} else if parent.Children[node.Level] == node {
			delete(parent.Children, node.Level)
		}
		node.mu.Unlock()
		parent.mu.Unlock()
		node = parent
	}
}

func (topic *TopicTreeNode) isEmpty() bool {
	return len(topic.Children) == 0 && topic.WildcardPlus == nil &&
		len(topic.WildcardHash) == 0 && len(topic.Terminals) == 0
}

// FindMatchingClients 返回所有订阅了该主题的客户端。
// 同一客户端的多个过滤器同时匹配时只返回一次，取其中最高的 QoS
func (t *Tree) FindMatchingClients(topic string) []Subscriber {
	// 拆分发布主题为层级数组
	levels := strings.Split(topic, "/")
	dollar := strings.HasPrefix(topic, "$")

	found := make(map[string]Subscriber)
	order := make([]string, 0)
	collect := func(subs map[string]mqtt.QoS, filter string) {
		for clientID, qos := range subs {
			existing, ok := found[clientID]
			if !ok {
				order = append(order, clientID)
			} else if existing.QoS >= qos {
				continue
			}
			found[clientID] = Subscriber{ClientID: clientID, Filter: filter, QoS: qos}
		}
	}

	queue := []*TopicTreeNode{t.root}
	for depth := 0; depth <= len(levels) && len(queue) > 0; depth++ {
		// $ 开头的主题不匹配首层通配符
		wildcardAllowed := !(depth == 0 && dollar)
		var nextQueue []*TopicTreeNode

		for _, node := range queue {
			node.mu.RLock()
			// 1. 收集当前节点的 # 通配符订阅，'#' 同样匹配父层级本身
			if wildcardAllowed && len(node.WildcardHash) > 0 {
				collect(node.WildcardHash, node.hashFilter())
			}
			if depth == len(levels) {
				// 2. 收集终端节点的精确订阅
				collect(node.Terminals, node.Path)
			} else {
				// 3. 精确匹配子节点与 + 通配符子节点
				if child, ok := node.Children[levels[depth]]; ok {
					nextQueue = append(nextQueue, child)
				}
				if wildcardAllowed && node.WildcardPlus != nil {
					nextQueue = append(nextQueue, node.WildcardPlus)
				}
			}
			node.mu.RUnlock()
		}

		queue = nextQueue
	}

	result := make([]Subscriber, 0, len(order))
	for _, clientID := range order {
		result = append(result, found[clientID])
	}
	return result
}
