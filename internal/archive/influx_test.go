package archive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/bus"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/config"
)

type recordingWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed int
}

func (w *recordingWriter) WritePoint(point *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, point)
}

func (w *recordingWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushed++
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

func TestPointLineProtocol(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	line := write.PointToLineProtocol(Point(bus.Message{
		Topic:   "sensors/room1/temp",
		Payload: []byte("21.5"),
		Metadata: bus.Metadata{
			ClientID:  "dev1",
			Source:    bus.SourceMQTT,
			QoS:       1,
			Timestamp: ts,
		},
	}), time.Second)

	assert.Contains(t, line, Measurement+",")
	assert.Contains(t, line, "client_id=dev1")
	assert.Contains(t, line, "qos=1")
	assert.Contains(t, line, "topic=sensors/room1/temp")
	assert.Contains(t, line, "payload_bytes=4i")
	assert.Contains(t, line, "retain=false")
	assert.Contains(t, line, "1714564800")
}

func TestRunArchivesUntilBusCloses(t *testing.T) {
	b := bus.New(8)
	sub, err := b.Subscribe("archive", 8)
	require.NoError(t, err)
	writer := &recordingWriter{}
	archiver := NewInfluxArchiver(writer)

	done := make(chan struct{})
	go func() {
		archiver.Run(context.Background(), sub)
		close(done)
	}()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "a", Payload: []byte("x")}))
	}
	require.Eventually(t, func() bool { return writer.count() == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())
	<-done

	require.NoError(t, archiver.Invoke(context.Background()))
	assert.Equal(t, 1, writer.flushed)
}

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(config.InfluxDB{})
	assert.ErrorIs(t, err, ErrDisabled)
}
