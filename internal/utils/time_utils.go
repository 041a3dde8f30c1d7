package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
)

var ErrInvalidTimeFormat = errors.New("utils: invalid time format")

// 后缀顺序很重要，"ms" 必须先于 "m" 和 "s" 匹配
var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseDuration 解析形如 "500ms" "10s" "5m" "2h" "1d" 的时间字符串
func ParseDuration(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil || number < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, timeString)
		}
		return time.Duration(number) * u.unit, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, timeString)
}

func ParseStringTime(timeString string) time.Duration {
	duration, err := ParseDuration(timeString)
	if err != nil {
		logger.ErrorF("Error parsing time string: %s", err.Error())
		return 0
	}
	return duration
}
