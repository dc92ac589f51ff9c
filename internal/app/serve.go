package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"horse.fit/greenhouse/internal/cli"
	"horse.fit/greenhouse/internal/history"
	"horse.fit/greenhouse/internal/httpapi"
	"horse.fit/greenhouse/internal/ingest"
	"horse.fit/greenhouse/internal/mqttfeed"
	"horse.fit/greenhouse/internal/realtime"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	noMQTT := fs.Bool("no-mqtt", false, "Do not start the MQTT feed even if MQTT_BROKER_URL is set")
	noScheduler := fs.Bool("no-scheduler", false, "Do not start the periodic merge scheduler")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	sess, err := openSession(envLoader, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
		return 1
	}
	defer sess.Close()

	cfg := sess.cfg
	logger := sess.logger

	engine := newEngine(cfg, sess.store, logger)
	defer engine.Stop()

	ingester := ingest.NewService(sess.store, engine.Gate, engine.Trigger, logger, ingest.Options{
		OnInvalidTimestamp: cfg.OnInvalidTimestamp,
	})
	hub := realtime.NewHub(ingester, logger, realtime.Options{AllowedOrigins: cfg.CORSAllowedOriginsList()})
	ingester.SetBroadcaster(hub)
	engine.Orchestrator.AddNotifier(hub)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Store:     sess.store,
		Ingester:  ingester,
		History:   history.NewService(sess.store, engine.Guard, logger),
		Merge:     engine.Orchestrator,
		Trigger:   engine.Trigger,
		Scheduler: engine.Scheduler,
		Realtime:  hub,
	}, logger, httpapi.Options{
		Host:             *host,
		Port:             *port,
		ReadTimeout:      *readTimeout,
		WriteTimeout:     *writeTimeout,
		ShutdownTimeout:  *shutdownTimeout,
		AllowedOrigins:   cfg.CORSAllowedOriginsList(),
		ExactOnlyDefault: cfg.MergeExactOnly,
		Retention:        cfg.Retention(),
	})

	var feed *mqttfeed.Feed
	if !*noMQTT && strings.TrimSpace(cfg.MQTTBrokerURL) != "" {
		feed, err = mqttfeed.New(ingester, logger, mqttfeed.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			TopicPrefix: cfg.MQTTTopicPrefix,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
		})
		if err != nil {
			logger.Error().Err(err).Msg("invalid mqtt configuration")
			fmt.Fprintf(os.Stderr, "Invalid MQTT configuration: %v\n", err)
			return 1
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if feed != nil {
		g.Go(func() error {
			return feed.Run(gctx)
		})
	}
	if !*noScheduler {
		g.Go(func() error {
			if err := engine.Start(gctx); err != nil {
				return fmt.Errorf("start merge scheduler: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		return nil
	})

	logger.Info().
		Str("storage", cfg.StorageDriver).
		Bool("mqtt", feed != nil).
		Bool("scheduler", !*noScheduler).
		Dur("scheduler_interval", cfg.SchedulerInterval()).
		Msg("greenhouse service running")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}

	return 0
}
