package ingestion

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/orientlog/internal/models"
	"github.com/orientlog/internal/mqttclient"
	"github.com/orientlog/internal/storage"
)

// Sink receives every reading after it has been stored. Publish must not block.
type Sink interface {
	Publish(r models.Reading)
}

// Stats counts messages seen by the service.
type Stats struct {
	Received uint64 `json:"received"`
	Stored   uint64 `json:"stored"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
}

type Service struct {
	store  storage.Storage
	out    io.Writer
	logger *zap.Logger
	sink   Sink

	received atomic.Uint64
	stored   atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

type Option func(*Service)

// WithOutput sets where the per-reading console line goes. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(s *Service) { s.out = w }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithSink(sink Sink) Option {
	return func(s *Service) { s.sink = sink }
}

func New(store storage.Storage, opts ...Option) *Service {
	s := &Service{store: store, out: os.Stdout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("ingestion")
	return s
}

// ConnectHandler returns the handler that (re)subscribes to topic on every
// new session and forwards deliveries onto msgs.
func (s *Service) ConnectHandler(ctx context.Context, topic string, qos byte, msgs chan<- mqttclient.Message) func(mqttclient.Subscriber) {
	handler := mqttclient.Forward(ctx, msgs)
	return func(c mqttclient.Subscriber) {
		s.logger.Info("connected, subscribing", zap.String("topic", topic), zap.Uint8("qos", qos))
		if err := c.Subscribe(topic, qos, handler); err != nil {
			s.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
			return
		}
		s.logger.Info("subscribed", zap.String("topic", topic))
	}
}

// Run handles messages one at a time in arrival order until ctx is done or
// msgs is closed.
func (s *Service) Run(ctx context.Context, msgs <-chan mqttclient.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			_ = s.Handle(m.Payload)
		}
	}
}

// Handle decodes one payload and appends it to the log. A payload that fails
// to decode or store is logged and dropped; the error is returned for callers
// that care.
func (s *Service) Handle(payload []byte) error {
	s.received.Add(1)

	r, err := models.Decode(payload)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn("dropping message", zap.Error(err), zap.ByteString("payload", payload))
		return err
	}

	fmt.Fprintln(s.out, r.String())

	if err := s.store.Persist(r); err != nil {
		s.failed.Add(1)
		s.logger.Error("persist failed", zap.Error(err), zap.String("timestamp", r.Timestamp))
		return fmt.Errorf("persist reading: %w", err)
	}
	s.stored.Add(1)

	if s.sink != nil {
		s.sink.Publish(r)
	}
	return nil
}

func (s *Service) Stats() Stats {
	return Stats{
		Received: s.received.Load(),
		Stored:   s.stored.Load(),
		Dropped:  s.dropped.Load(),
		Failed:   s.failed.Load(),
	}
}
