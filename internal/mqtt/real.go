package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BufferCapacity is how many messages are held while the broker is unreachable.
const BufferCapacity = 256

const publishTimeout = 5 * time.Second

// ErrBuffered is returned when a message was queued for replay instead of sent.
var ErrBuffered = errors.New("mqtt: not connected, message buffered")

// RealPublisher publishes to an actual MQTT broker. Messages published while
// disconnected are buffered and replayed, oldest first, on reconnect.
type RealPublisher struct {
	client paho.Client
	name   string
	log    *zap.Logger

	mu         sync.Mutex
	buf        *outbox
	everOnline bool
}

// NewRealPublisher creates a publisher for the named companion and starts
// connecting in the background. It never blocks on the broker.
func NewRealPublisher(broker, name string, log *zap.Logger) *RealPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	p := &RealPublisher{
		name: name,
		log:  log.Named("mqtt"),
		buf:  newOutbox(BufferCapacity, log.Named("mqtt")),
	}

	will, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     EventShutdown,
		Reason:    "MQTT_DISCONNECT",
	})

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(ClientID(name)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetBinaryWill(SystemTopic(name), will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warn("connection lost", zap.Error(err))
		})

	p.client = paho.NewClient(opts)
	p.client.Connect()
	return p
}

// ClientID returns a unique MQTT client id for the named companion.
func ClientID(name string) string {
	return "companion-" + name + "-" + uuid.NewString()[:8]
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	pending, dropped := p.buf.drain()
	reconnect := p.everOnline
	p.everOnline = true
	p.mu.Unlock()

	p.log.Info("connected",
		zap.Int("replaying", len(pending)),
		zap.Int("dropped", dropped),
		zap.Bool("reconnect", reconnect))
	for _, m := range pending {
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}
	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventReconnected})
		c.Publish(SystemTopic(p.name), 1, true, payload)
	}
}

// PublishState sends a state change. QoS 0, not retained.
func (p *RealPublisher) PublishState(event StateEvent) error {
	payload, err := FormatStatePayload(event)
	if err != nil {
		return fmt.Errorf("format state payload: %w", err)
	}
	return p.publish(StateTopic(p.name), 0, false, payload)
}

// PublishSystem sends a system lifecycle event. QoS 1 so lifecycle events
// are delivered at least once.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(SystemTopic(p.name), 1, event.Retained, payload)
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(pendingMsg{topic: topic, payload: payload, qos: qos, retained: retained, latest: topic == StateTopic(p.name)})
		p.mu.Unlock()
		return ErrBuffered
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is currently open.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
