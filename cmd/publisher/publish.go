package main

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/orientlog/internal/sensor"
)

type publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// publishLoop sends every reading from src until the source ends or ctx is
// done. src is closed on cancellation so a read blocked on the device returns.
func publishLoop(ctx context.Context, src sensor.Source, pub publisher, topic string, qos byte, logger *zap.Logger) error {
	var once sync.Once
	closeSrc := func() { once.Do(func() { src.Close() }) }
	defer closeSrc()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			closeSrc()
		case <-stopped:
		}
	}()

	for {
		r, err := src.Next()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, io.EOF) {
			logger.Info("source closed")
			return nil
		}
		if err != nil {
			return err
		}
		b, err := r.Payload()
		if err != nil {
			return err
		}
		if err := pub.Publish(topic, b, qos, false); err != nil {
			logger.Warn("publish failed", zap.Error(err))
			continue
		}
		logger.Debug("published", zap.String("topic", topic), zap.ByteString("payload", b))
	}
}
