package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc 让普通函数满足 Callable
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner 按注册顺序执行关闭回调，最后刷新日志
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleanOnce      sync.Once
	cleaning       bool
	loggerShutdown Callable
	timeout        time.Duration
	done           chan struct{}
	err            error
	exit           func(code int)
}

var cleanerInstance = New()

func NewCleaner() *Cleaner {
	return cleanerInstance
}

func New() *Cleaner {
	return &Cleaner{
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
		exit:    os.Exit,
	}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init 监听 SIGINT/SIGTERM，收到信号后执行清理并退出进程
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		c.mu.Lock()
		c.loggerShutdown = loggerShutdown
		c.mu.Unlock()

		go func() {
			select {
			case <-ctx.Done():
				logger.Info("Received interrupt signal, shutting down")
			case <-c.done:
			}
			stop()
			_ = c.Shutdown(context.Background())
			c.exit(0)
		}()
	})
}

// Shutdown 执行全部清理回调，多次调用只执行一次
func (c *Cleaner) Shutdown(ctx context.Context) error {
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true // 标记为清理中，阻止后续Add操作
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		loggerShutdown := c.loggerShutdown
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs error
		for i, callable := range cleanersCopy {
			func(idx int, cb Callable) { // 使用匿名函数确保defer在每次迭代执行
				logger.DebugF("Invoking cleaner #%d (%T)", idx+1, cb)
				timeoutCtx, cancelFunc := context.WithTimeout(ctx, c.timeout)
				defer cancelFunc() // 确保每次调用后取消上下文
				if err := cb.Invoke(timeoutCtx); err != nil {
					logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, cb, err) // 记录类型和错误
					errs = multierr.Append(errs, fmt.Errorf("cleaner #%d: %w", idx+1, err))
				}
			}(i, callable)
		}

		if errs != nil {
			logger.ErrorF("%d errors occurred during cleanup", len(multierr.Errors(errs)))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, server offline")

		if loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := loggerShutdown.Invoke(shutdownCtx); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
		}
		c.err = errs
		close(c.done)
	})
	<-c.done
	return c.err
}

// Done 清理完成后关闭
func (c *Cleaner) Done() <-chan struct{} {
	return c.done
}
