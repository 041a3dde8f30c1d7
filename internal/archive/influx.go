// Package archive 把事件总线上的 MQTT 消息写入 InfluxDB
package archive

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/bus"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/config"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
)

const (
	Measurement    = "mqtt_messages"
	connectTimeout = 10 * time.Second
)

var (
	ErrDisabled         = errors.New("archive: influxdb disabled")
	ErrConnectionFailed = errors.New("archive: influxdb connection failed")
)

// PointWriter api.WriteAPI 中用到的部分
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

type InfluxArchiver struct {
	client influxdb2.Client
	writer PointWriter
}

// Connect 连接 InfluxDB 并创建非阻塞批量写入接口
func Connect(cfg config.InfluxDB) (*InfluxArchiver, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 500
	}
	flushInterval := cfg.FlushIntervalDuration()
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flushInterval.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.WarnF("InfluxDB write error: %v", err)
		}
	}()
	logger.InfoF("InfluxDB archive connected, bucket: %s", cfg.Bucket)
	return &InfluxArchiver{client: client, writer: writeAPI}, nil
}

func NewInfluxArchiver(writer PointWriter) *InfluxArchiver {
	return &InfluxArchiver{writer: writer}
}

// Point 一条消息对应一个数据点，不保存负载本身
func Point(msg bus.Message) *write.Point {
	ts := msg.Metadata.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(Measurement,
		map[string]string{
			"topic":     msg.Topic,
			"client_id": msg.Metadata.ClientID,
			"qos":       strconv.Itoa(int(msg.Metadata.QoS)),
			"source":    msg.Metadata.Source,
		},
		map[string]interface{}{
			"payload_bytes": len(msg.Payload),
			"retain":        msg.Metadata.Retain,
		},
		ts)
}

// Run 消费总线直到通道关闭或 ctx 结束
func (a *InfluxArchiver) Run(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			a.writer.WritePoint(Point(msg))
		}
	}
}

// Invoke 关闭时刷出缓冲中的数据点
func (a *InfluxArchiver) Invoke(_ context.Context) error {
	a.writer.Flush()
	if a.client != nil {
		a.client.Close()
	}
	return nil
}
