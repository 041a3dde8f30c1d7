package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
)

// ListenWebSocket 在 HTTP 地址上接受 MQTT over WebSocket 连接，路径为 / 或 /mqtt
func (s *Server) ListenWebSocket(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	wsl := newWebSocketListener(ln)
	logger.InfoF("MQTT WebSocket Server Listen On %s", ln.Addr().String())
	go func() {
		_ = s.Serve(wsl)
	}()
	return wsl, nil
}

// webSocketListener 把 HTTP 升级后的连接适配成 net.Listener
type webSocketListener struct {
	ln        net.Listener
	server    *http.Server
	upgrader  websocket.Upgrader
	connCh    chan net.Conn
	errCh     chan error
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newWebSocketListener(ln net.Listener) *webSocketListener {
	l := &webSocketListener{
		ln: ln,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		connCh:  make(chan net.Conn, 128),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleWS)
	mux.HandleFunc("/mqtt", l.handleWS)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case l.errCh <- err:
			default:
			}
		}
	}()
	return l
}

func (l *webSocketListener) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("WebSocket upgrade from %s failed, details: %v", r.RemoteAddr, err)
		return
	}
	conn := &wsConn{ws: ws}
	select {
	case l.connCh <- conn:
	case <-l.closeCh:
		_ = conn.Close()
	}
}

func (l *webSocketListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case err := <-l.errCh:
		return nil, err
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *webSocketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = l.server.Close()
	})
	return err
}

func (l *webSocketListener) Addr() net.Addr {
	return l.ln.Addr()
}

// wsConn 以二进制帧承载 MQTT 字节流，一个帧可能包含多个或半个控制报文
type wsConn struct {
	ws      *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, reader, err := c.ws.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = reader
		}
		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

var _ net.Conn = (*wsConn)(nil)
