// Package server 负责 MQTT 监听、连接协程池和报文分发，把协议事件交给 broker.Manager
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/config"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
)

var ErrServerShutdown = errors.New("server: shutting down")

type Options struct {
	MaxConnections int64
	MaxPacketSize  int
	ConnectTimeout time.Duration
	KeepAliveGrace time.Duration
}

func OptionsFromConfig(c config.Broker) Options {
	return Options{
		MaxConnections: c.MaxConnections,
		MaxPacketSize:  c.MaxPacketSize,
		ConnectTimeout: c.ConnectTimeoutDuration(),
		KeepAliveGrace: c.KeepAliveGraceDuration(),
	}
}

type Server struct {
	manager     *broker.Manager
	opts        Options
	sem         *semaphore.Weighted
	connections *connection.ConnectionManager

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
	closing   atomic.Bool
}

func New(manager *broker.Manager, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		manager:     manager,
		opts:        opts,
		sem:         semaphore.NewWeighted(opts.MaxConnections),
		connections: connection.NewConnectionManager(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Listen 在 TCP 地址上开始接受连接
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	logger.InfoF("MQTT Server Listen On %s", ln.Addr().String())
	go func() {
		_ = s.Serve(ln)
	}()
	return ln, nil
}

// Serve 在给定监听器上循环接受连接，连接数达到上限时等待空位
func (s *Server) Serve(ln net.Listener) error {
	if !s.track(ln) {
		_ = ln.Close()
		return ErrServerShutdown
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			_ = conn.Close()
			return nil
		}
		go func(c net.Conn) {
			defer s.sem.Release(1)
			s.ServeConn(c)
		}(conn)
	}
}

// ServeConn 在当前协程处理一条连接直到断开
func (s *Server) ServeConn(conn net.Conn) {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	handler := newConnectionHandler(s, conn)
	handler.handleConnection()
}

func (s *Server) track(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.listeners = append(s.listeners, ln)
	return true
}

// Connections 当前活动连接数，包括尚未完成 CONNECT 的连接
func (s *Server) Connections() int {
	return s.connections.Len()
}

// Shutdown 关闭监听器，以 ErrServerShutdown 断开全部连接并等待连接协程退出
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	s.cancel()
	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
			errs = append(errs, err)
		}
	}
	closed := s.connections.CloseAll(ErrServerShutdown)
	logger.InfoF("MQTT Server closing %d connections", closed)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

type ShutdownCallback struct {
	server *Server
}

func NewShutdownCallback(s *Server) *ShutdownCallback {
	return &ShutdownCallback{server: s}
}

func (sc *ShutdownCallback) Invoke(ctx context.Context) error {
	return sc.server.Shutdown(ctx)
}
