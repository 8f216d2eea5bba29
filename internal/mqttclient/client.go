package mqttclient

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// ConnectRetry keeps retrying the first connection instead of failing.
	ConnectRetry         bool
	ConnectRetryInterval time.Duration
	AutoReconnect        bool
	MaxReconnectInterval time.Duration

	// OnConnect runs after every successful connection, including
	// automatic reconnects.
	OnConnect func(s Subscriber)

	Logger *zap.Logger
}

// Subscriber is the part of a session a connection handler needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

type Client struct {
	raw    mqtt.Client
	logger *zap.Logger
}

// Message is a delivered MQTT message detached from the paho callback.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("orientlog-%d", time.Now().UnixNano())
	}
	o.SetClientID(opts.ClientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		o.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		o.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(opts.ConnectTimeout)
	}
	o.SetConnectRetry(opts.ConnectRetry)
	if opts.ConnectRetryInterval > 0 {
		o.SetConnectRetryInterval(opts.ConnectRetryInterval)
	}
	o.SetAutoReconnect(opts.AutoReconnect)
	if opts.MaxReconnectInterval > 0 {
		o.SetMaxReconnectInterval(opts.MaxReconnectInterval)
	}
	o.SetOrderMatters(true)

	o.SetOnConnectHandler(func(raw mqtt.Client) {
		logger.Info("connected", zap.String("broker", opts.BrokerURL), zap.String("client_id", opts.ClientID))
		if opts.OnConnect != nil {
			opts.OnConnect(&Client{raw: raw, logger: logger})
		}
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection lost", zap.Error(err))
	})
	o.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("reconnecting", zap.String("broker", opts.BrokerURL))
	})

	c := mqtt.NewClient(o)

	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.BrokerURL, token.Error())
	}
	return &Client{raw: c, logger: logger}, nil
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	token := c.raw.Subscribe(topic, qos, handler)
	token.Wait()
	return token.Error()
}

func (c *Client) Close() {
	c.raw.Disconnect(250)
}

func (c *Client) String() string {
	return "MQTTClient"
}

// Forward returns a handler that copies each message onto out. It blocks
// while out is full so delivery order is kept and a slow consumer pushes
// back on the transport. Messages arriving after ctx is done are dropped.
func Forward(ctx context.Context, out chan<- Message) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())
		m := Message{Topic: msg.Topic(), Payload: payload, Received: time.Now()}
		select {
		case out <- m:
		case <-ctx.Done():
		}
	}
}
