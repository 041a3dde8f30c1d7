package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
)

// ConnectionManager 登记所有活动连接，服务关闭时统一断开
type ConnectionManager struct {
	connections sync.Map
	count       atomic.Int64
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// AddConnection 添加连接
func (cm *ConnectionManager) AddConnection(conn *Connection) {
	if _, loaded := cm.connections.LoadOrStore(conn.ID(), conn); !loaded {
		cm.count.Add(1)
	}
	logger.DebugF("[%s] Connection registered from %s", conn.ID(), conn.RemoteAddr())
}

// RemoveConnection 移除连接
func (cm *ConnectionManager) RemoveConnection(connID string) {
	if _, loaded := cm.connections.LoadAndDelete(connID); loaded {
		cm.count.Add(-1)
	}
}

// GetConnection 获取连接
func (cm *ConnectionManager) GetConnection(connID string) (*Connection, bool) {
	if value, ok := cm.connections.Load(connID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (cm *ConnectionManager) Len() int {
	return int(cm.count.Load())
}

// CloseAll 以给定原因关闭全部连接
func (cm *ConnectionManager) CloseAll(reason error) int {
	closed := 0
	cm.connections.Range(func(_, value any) bool {
		conn := value.(*Connection)
		if err := conn.Close(reason); err != nil {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", conn.ID(), err)
		}
		closed++
		return true
	})
	return closed
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		logger.DebugF("[%s] Connection closed by server", connID)
	case errors.Is(err, mqtt.ErrPacketTooLarge), errors.Is(err, mqtt.ErrInvalidFlags), errors.Is(err, mqtt.ErrRemainingLength):
		logger.WarnF("[%s] Malformed packet, details: %v", connID, err)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
