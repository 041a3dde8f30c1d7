package subscription

import (
	"errors"
	"fmt"
	"strings"
)

const maxTopicLength = 65535

var (
	ErrInvalidFilter = errors.New("subscription: invalid topic filter")
	ErrInvalidTopic  = errors.New("subscription: invalid topic name")
)

// ValidateFilter 校验订阅过滤器：'+' 必须独占一层，'#' 必须独占最后一层
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidFilter)
	}
	if len(filter) > maxTopicLength {
		return fmt.Errorf("%w: filter longer than %d bytes", ErrInvalidFilter, maxTopicLength)
	}
	if strings.ContainsRune(filter, 0) {
		return fmt.Errorf("%w: filter contains NUL", ErrInvalidFilter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level, topic: %s", ErrInvalidFilter, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must occupy a whole level, topic: %s", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// ValidateTopic 校验发布主题，发布主题不允许包含通配符
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: topic longer than %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	return nil
}

// Matches 判断主题是否与过滤器匹配
//
//	"sport/+"    匹配 "sport/tennis"，不匹配 "sport/tennis/player"
//	"sport/#"    匹配 "sport" 和 "sport/tennis/player"
//	"+/monitor"  不匹配 "$SYS/monitor"
func Matches(filter, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")
	dollar := strings.HasPrefix(topic, "$")

	for i, level := range filterLevels {
		if i == 0 && dollar && (level == "+" || level == "#") {
			return false
		}
		if level == "#" {
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}

// hashFilter 返回挂在节点上的 '#' 订阅所对应的过滤器
func (topic *TopicTreeNode) hashFilter() string {
	if topic.parent == nil {
		return "#"
	}
	return topic.Path + "/#"
}

func newNode(parent *TopicTreeNode, path string, level string) *TopicTreeNode {
	return &TopicTreeNode{
		Path:     path,
		Level:    level,
		parent:   parent,
		Children: map[string]*TopicTreeNode{},
	}
}
