// Package connection 封装客户端网络连接：串行写出、带原因的幂等关闭以及活动连接登记
package connection

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
)

const (
	defaultWriteTimeout = 10 * time.Second
	farewellTimeout     = time.Second
)

// FarewellFunc 根据关闭原因生成关闭前最后写出的报文，返回 nil 表示不写
type FarewellFunc func(reason error) []byte

// Connection 表示一个客户端连接
type Connection struct {
	conn   net.Conn
	connID string

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	reason    error
	farewell  FarewellFunc
}

func New(conn net.Conn) *Connection {
	return &Connection{
		conn:         conn,
		connID:       uuid.NewString(),
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
	}
}

// ID 连接的唯一标识，同一 client_id 的新旧连接靠它区分
func (c *Connection) ID() string {
	return c.connID
}

func (c *Connection) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Connection) NetConn() net.Conn {
	return c.conn
}

func (c *Connection) Read(b []byte) (int, error) {
	return c.conn.Read(b)
}

func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Connection) SetWriteTimeout(d time.Duration) {
	c.writeTimeout = d
}

// SetFarewell 设置关闭前的告别报文，v5 连接用它写出 DISCONNECT
func (c *Connection) SetFarewell(fn FarewellFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.farewell = fn
}

// Send 发送数据到客户端，多个协程并发调用时整包串行写出
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.write(data, c.writeTimeout)
}

func (c *Connection) write(data []byte, timeout time.Duration) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	total := 0
	for total < len(data) {
		n, err := c.conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", c.connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", c.connID, total)
	return nil
}

// Close 关闭连接并记录原因，重复调用只有第一次生效
func (c *Connection) Close(reason error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		farewell := c.farewell
		c.mu.Unlock()

		// 正在写出的协程可能阻塞在慢客户端上，拿不到写锁就不再告别
		if farewell != nil && c.writeMu.TryLock() {
			if data := farewell(reason); data != nil {
				_ = c.write(data, farewellTimeout)
			}
			c.writeMu.Unlock()
		}
		close(c.done)
		err = c.conn.Close()
		if err != nil && IsNetClosedError(err) {
			err = nil
		}
		logger.DebugF("[%s] Connection closed, reason: %v", c.connID, reason)
	})
	return err
}

// Done 连接关闭后关闭
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Reason 返回关闭原因，未关闭或对端关闭时为 nil
func (c *Connection) Reason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ClosedBy 判断连接是否因给定原因被服务端关闭
func (c *Connection) ClosedBy(target error) bool {
	reason := c.Reason()
	return reason != nil && errors.Is(reason, target)
}
