package broker

import (
	"context"
	"errors"

	"github.com/life-stream-dev/life-stream-iot-broker/internal/bus"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/mqtt"
	"github.com/life-stream-dev/life-stream-iot-broker/internal/subscription"
)

// PublishFromBus 投递来自总线其它生产者的消息。不做 ACL 检查，也不会再写回总线
func (m *Manager) PublishFromBus(ctx context.Context, msg bus.Message) (DeliveryOutcome, error) {
	if msg.Metadata.Source == bus.SourceMQTT {
		return DeliveryOutcome{}, nil
	}
	if err := subscription.ValidateTopic(msg.Topic); err != nil {
		return DeliveryOutcome{}, errors.Join(ErrMalformedEvent, err)
	}
	qos := mqtt.QoS(msg.Metadata.QoS)
	if !qos.Valid() {
		qos = mqtt.AtLeastOnce
	}

	m.gate.RLock()
	defer m.gate.RUnlock()
	if m.draining.Load() {
		return DeliveryOutcome{}, ErrShuttingDown
	}
	return m.route(ctx, msg.Metadata.ClientID, &mqtt.Message{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     qos,
		Retain:  msg.Metadata.Retain,
	}, false), nil
}

// RunBridge 消费总线消息直到通道关闭或 ctx 结束
func (m *Manager) RunBridge(ctx context.Context, sub *bus.Subscription) {
	logger.InfoF("Bus bridge %s started", sub.Name)
	defer logger.InfoF("Bus bridge %s stopped", sub.Name)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if _, err := m.PublishFromBus(ctx, msg); err != nil {
				if errors.Is(err, ErrShuttingDown) {
					return
				}
				logger.WarnF("Fail to deliver bus message on %s, details: %v", msg.Topic, err)
			}
		}
	}
}
