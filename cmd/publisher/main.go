package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/orientlog/internal/config"
	"github.com/orientlog/internal/logging"
	"github.com/orientlog/internal/mqttclient"
	"github.com/orientlog/internal/sensor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("publisher", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to YAML config file")
	port := flagSet.String("port", "/dev/ttyUSB0", "serial port of the MPU6050 board")
	baud := flagSet.Int("baud", 115200, "serial baud rate")
	sim := flagSet.Bool("sim", false, "simulate orientation instead of reading serial")
	interval := flagSet.Duration("interval", time.Second, "reading interval in simulation mode")
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
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var src sensor.Source
	if *sim {
		src = sensor.NewSimSource(*interval)
	} else {
		src, err = sensor.OpenSerial(*port, *baud, logger)
		if err != nil {
			return err
		}
	}

	mqttc, err := mqttclient.New(mqttclient.Options{
		BrokerURL:     cfg.Broker.URL(),
		ClientID:      fmt.Sprintf("mpu6050-pub-%d", time.Now().UnixNano()),
		Username:      cfg.Broker.Username,
		Password:      cfg.Broker.Password,
		KeepAlive:     cfg.Broker.KeepAlive,
		ConnectRetry:  cfg.Broker.ConnectRetry,
		AutoReconnect: cfg.Broker.AutoReconnect,
		Logger:        logger,
	})
	if err != nil {
		src.Close()
		return err
	}
	defer mqttc.Close()

	return publishLoop(ctx, src, mqttc, cfg.Topic, cfg.Broker.QoS, logger)
}
