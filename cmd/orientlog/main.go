package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/orientlog/internal/config"
	"github.com/orientlog/internal/ingestion"
	"github.com/orientlog/internal/logging"
	"github.com/orientlog/internal/mqttclient"
	"github.com/orientlog/internal/query"
	"github.com/orientlog/internal/storage"
	"github.com/orientlog/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("orientlog", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to YAML config file")
	host := flagSet.String("broker-host", "", "MQTT broker host")
	port := flagSet.Int("broker-port", 0, "MQTT broker port")
	topic := flagSet.String("topic", "", "MQTT topic carrying orientation readings")
	output := flagSet.StringP("output", "o", "", "CSV log path")
	httpAddr := flagSet.String("http", "", "serve the log viewer on this address, e.g. :8080")
	logLevel := flagSet.String("log-level", "", "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("broker-host") {
		cfg.Broker.Host = *host
	}
	if flagSet.Changed("broker-port") {
		cfg.Broker.Port = *port
	}
	if flagSet.Changed("topic") {
		cfg.Topic = *topic
	}
	if flagSet.Changed("output") {
		cfg.Output.Path = *output
	}
	if flagSet.Changed("http") {
		cfg.HTTP.Addr = *httpAddr
	}
	if flagSet.Changed("log-level") {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store := storage.NewCSVLog(cfg.Output.Path)
	if err := store.Init(); err != nil {
		logger.Fatal("cannot initialise log", zap.String("path", cfg.Output.Path), zap.Error(err))
	}
	logger.Info("logging readings", zap.String("path", cfg.Output.Path))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []ingestion.Option{ingestion.WithLogger(logger)}
	var hub *websocket.Hub
	if cfg.HTTP.Addr != "" && cfg.HTTP.WebSocket {
		hub = websocket.NewHub(logger)
		go hub.Run(ctx)
		opts = append(opts, ingestion.WithSink(hub))
	}
	svc := ingestion.New(store, opts...)

	if cfg.HTTP.Addr != "" {
		q := query.New(store, svc, hub, logger)
		go func() {
			if err := q.StartHTTP(ctx, cfg.HTTP.Addr); err != nil {
				logger.Error("http server stopped", zap.Error(err))
			}
		}()
	}

	msgs := make(chan mqttclient.Message, cfg.QueueSize)
	mqttc, err := mqttclient.New(mqttclient.Options{
		BrokerURL:            cfg.Broker.URL(),
		ClientID:             cfg.Broker.ClientID,
		Username:             cfg.Broker.Username,
		Password:             cfg.Broker.Password,
		KeepAlive:            cfg.Broker.KeepAlive,
		ConnectTimeout:       cfg.Broker.ConnectTimeout,
		ConnectRetry:         cfg.Broker.ConnectRetry,
		ConnectRetryInterval: cfg.Broker.ConnectRetryInterval,
		AutoReconnect:        cfg.Broker.AutoReconnect,
		MaxReconnectInterval: cfg.Broker.MaxReconnectInterval,
		OnConnect:            svc.ConnectHandler(ctx, cfg.Topic, cfg.Broker.QoS, msgs),
		Logger:               logger,
	})
	if err != nil {
		logger.Fatal("mqtt connect failed", zap.String("broker", cfg.Broker.URL()), zap.Error(err))
	}
	defer mqttc.Close()

	svc.Run(ctx, msgs)

	st := svc.Stats()
	logger.Info("shutting down",
		zap.Uint64("received", st.Received),
		zap.Uint64("stored", st.Stored),
		zap.Uint64("dropped", st.Dropped),
		zap.Uint64("failed", st.Failed))
	return nil
}
