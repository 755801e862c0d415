package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/shakenotify/internal/buildinfo"
	"github.com/nugget/shakenotify/internal/clock"
	"github.com/nugget/shakenotify/internal/config"
	"github.com/nugget/shakenotify/internal/debounce"
	"github.com/nugget/shakenotify/internal/link"
	"github.com/nugget/shakenotify/internal/metrics"
	"github.com/nugget/shakenotify/internal/motion"
	"github.com/nugget/shakenotify/internal/motion/lis3dh"
	"github.com/nugget/shakenotify/internal/mqtt"
	"github.com/nugget/shakenotify/internal/notifier"
	"github.com/nugget/shakenotify/internal/status"
)

// sessionOpener adapts [mqtt.Publisher] to [notifier.Publisher].
type sessionOpener struct {
	p *mqtt.Publisher
}

func (o sessionOpener) Connect(ctx context.Context) (notifier.Session, error) {
	s, err := o.p.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// daemon is every long-running component of a serve invocation.
type daemon struct {
	loop     *notifier.Loop
	link     *link.Manager
	status   *status.Server // nil when metrics.listen is empty
	sensor   motion.Sensor
	closeFn  func() error
	registry *prometheus.Registry
}

// runServe loads the configuration, wires the components and runs them
// until ctx is cancelled.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting shakenotify", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.MQTT.Broker,
		"feed", cfg.MQTT.FeedKey,
		"sensor", cfg.Sensor.Driver,
		"debounce", cfg.Debounce.Interval.String(),
	)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.closeFn(); err != nil {
			logger.Warn("sensor close failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	d.link.Watch(gctx)
	g.Go(func() error {
		d.link.Wait()
		return nil
	})
	g.Go(func() error {
		return d.loop.Run(gctx)
	})
	if d.status != nil {
		g.Go(func() error {
			if err := d.status.Start(gctx); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shakenotify stopped")
	return err
}

// newDaemon builds the component graph for cfg without starting it.
func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	sensor, closeFn, err := openSensor(cfg.Sensor, logger)
	if err != nil {
		return nil, err
	}

	probeAddr := cfg.Link.ProbeAddress
	if probeAddr == "" {
		// Validate guarantees the broker URL parses.
		probeAddr, _ = cfg.MQTT.BrokerAddress()
	}

	linkCfg := link.Config{
		Name:  "network",
		Probe: link.TCPProbe(probeAddr),
		Backoff: link.BackoffConfig{
			PollInterval: cfg.Link.PollInterval,
			ProbeTimeout: cfg.Link.ProbeTimeout,
		},
		OnReady: func() { m.LinkUp.Set(1) },
		OnDown:  func(error) { m.LinkUp.Set(0) },
		Logger:  logger,
	}
	if cfg.Link.SSID != "" {
		linkCfg.Name = "wifi"
		linkCfg.Joiner = &link.NMCLI{Logger: logger}
		linkCfg.Credentials = link.Credentials{
			SSID:       cfg.Link.SSID,
			Passphrase: cfg.Link.Passphrase,
			Interface:  cfg.Link.Interface,
		}
	}
	lnk := link.New(linkCfg)

	var gateOpts []debounce.Option
	if cfg.Debounce.Elapsed == "wallclock" {
		gateOpts = append(gateOpts, debounce.WithElapsed(debounce.WallFields))
	}
	gateOpts = append(gateOpts, debounce.WithLogger(logger))
	gate := debounce.New(cfg.Debounce.Interval, gateOpts...)

	pub := mqtt.New(cfg.MQTT, logger)
	logger.Info("mqtt publisher configured", "topic", pub.Topic(), "client_id", pub.ClientID())

	loop, err := notifier.New(notifier.Options{
		Link:           lnk,
		Sensor:         sensor,
		Classifier:     motion.NewClassifier(cfg.Sensor.ThresholdG, logger),
		Gate:           gate,
		Publisher:      sessionOpener{p: pub},
		Clock:          clock.System{},
		Metrics:        m,
		Logger:         logger,
		Topic:          pub.Topic(),
		Payload:        []byte(cfg.MQTT.Payload),
		PollInterval:   cfg.Loop.PollInterval,
		PublishTimeout: cfg.Loop.PublishTimeout,
		RetryDelay:     cfg.Loop.RetryDelay,
	})
	if err != nil {
		closeFn()
		return nil, err
	}

	d := &daemon{
		loop:     loop,
		link:     lnk,
		sensor:   sensor,
		closeFn:  closeFn,
		registry: reg,
	}
	if cfg.Metrics.Enabled() {
		d.status = status.NewServer(cfg.Metrics.Listen, loop, lnk, reg, logger)
	}
	return d, nil
}

// openSensor returns the configured accelerometer and a function that
// releases it.
func openSensor(cfg config.SensorConfig, logger *slog.Logger) (motion.Sensor, func() error, error) {
	switch cfg.Driver {
	case "simulated":
		logger.Warn("using simulated accelerometer", "shake_every", cfg.ShakeEvery)
		return &motion.Simulated{ShakeEvery: cfg.ShakeEvery}, func() error { return nil }, nil
	default:
		rng, err := lis3dh.RangeFromG(cfg.RangeG)
		if err != nil {
			return nil, nil, err
		}
		dev, err := lis3dh.Open(cfg.I2CBus, cfg.Address, rng)
		if err != nil {
			return nil, nil, fmt.Errorf("open accelerometer: %w", err)
		}
		dev.Logger = logger
		logger.Info("accelerometer ready", "driver", "lis3dh", "bus", cfg.I2CBus, "address", fmt.Sprintf("%#x", cfg.Address), "range_g", cfg.RangeG)
		return dev, dev.Close, nil
	}
}
