package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/fieldnav/internal/config"
	"github.com/relabs-tech/fieldnav/internal/logging"
	"github.com/relabs-tech/fieldnav/internal/telemetry"
	"github.com/relabs-tech/fieldnav/internal/tracker"
	"github.com/relabs-tech/fieldnav/internal/vision"
	"github.com/relabs-tech/fieldnav/internal/vision/mqttvision"
	"github.com/relabs-tech/fieldnav/internal/vision/replay"
)

// TrackerOverrides replace config file values from the command line.
type TrackerOverrides struct {
	Source     string
	ReplayFile string
}

// Apply writes the non-empty overrides into cfg and revalidates it.
func (o TrackerOverrides) Apply(cfg *config.Config) error {
	if o.Source != "" {
		cfg.VisionSource = o.Source
	}
	if o.ReplayFile != "" {
		cfg.ReplayFile = o.ReplayFile
	}
	return cfg.Validate()
}

// localizerFactory picks the vision source named by cfg.VisionSource.
func localizerFactory(cfg *config.Config, logger *zap.SugaredLogger) (vision.LocalizerFactory, error) {
	switch cfg.VisionSource {
	case config.SourceReplay:
		scenario, err := replay.Load(cfg.ReplayFile)
		if err != nil {
			return nil, err
		}
		logger.Infof("tracker: replaying %d frames from %s", len(scenario.Frames), cfg.ReplayFile)
		return replay.Factory(scenario), nil
	case config.SourceMQTT:
		return mqttvision.Factory(mqttvision.Options{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientIDTracker + "-vision",
			Topic:    cfg.TopicDetections,
			Logger:   logger.Named("mqttvision"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown vision source %q", cfg.VisionSource)
	}
}

// reportPublisher publishes pose reports as JSON on topic.
func reportPublisher(client mqtt.Client, topic string, log *zap.SugaredLogger) func(tracker.Report) {
	return func(r tracker.Report) {
		payload, err := json.Marshal(r)
		if err != nil {
			log.Warnf("tracker: pose marshal error: %v", err)
			return
		}
		token := client.Publish(topic, 0, false, payload)
		token.Wait()
		if token.Error() != nil {
			log.Warnf("tracker: publish error: %v", token.Error())
		}
	}
}

// RunTracker runs the pose tracking loop with the telemetry sinks named in
// the config until interrupted.
func RunTracker(overrides TrackerOverrides) error {
	cfg := config.Get()
	if err := overrides.Apply(cfg); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("tracker")

	clk := clock.New()
	tel := telemetry.New(clk, logger.Named("telemetry"))
	defer tel.Close()

	var onReport []func(tracker.Report)

	if cfg.HasSink(config.SinkConsole) {
		tel.AddSink(config.SinkConsole, telemetry.NewWriterSink(os.Stdout))
	}

	if cfg.HasSink(config.SinkMQTT) {
		opts := mqtt.NewClientOptions().
			AddBroker(cfg.MQTTBroker).
			SetClientID(cfg.MQTTClientIDTracker).
			SetAutoReconnect(true)
		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return token.Error()
		}
		defer client.Disconnect(250)
		log.Infof("tracker: connected to MQTT broker at %s", cfg.MQTTBroker)

		tel.AddSink(config.SinkMQTT, telemetry.NewMQTTSink(client, cfg.TopicTelemetry))
		onReport = append(onReport, reportPublisher(client, cfg.TopicPose, log))
	}

	if cfg.HasSink(config.SinkSerial) {
		s, err := telemetry.OpenSerial(cfg.SerialPort, cfg.SerialBaudRate)
		if err != nil {
			return err
		}
		tel.AddSink(config.SinkSerial, s)
		log.Infof("tracker: serial telemetry on %s at %d baud", cfg.SerialPort, cfg.SerialBaudRate)
	}

	if cfg.HasSink(config.SinkDisplay) {
		d, err := openStatusDisplay(cfg.DisplayI2CAddr, clk)
		if err != nil {
			return err
		}
		defer d.Close()
		log.Infof("tracker: status display initialized at 0x%02X", cfg.DisplayI2CAddr)
		onReport = append(onReport, func(r tracker.Report) {
			if err := d.Show(r); err != nil {
				log.Warnf("tracker: display error: %v", err)
			}
		})
	}

	var srv *http.Server
	var hub *telemetry.Hub
	if cfg.HasSink(config.SinkWebsocket) {
		hub = telemetry.NewHub(logger.Named("web"))
		tel.AddSink(config.SinkWebsocket, hub)
		pose := newPoseCache(logger.Named("web"))
		onReport = append(onReport, pose.Set)
		srv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.WebServerPort),
			Handler: newWebMux(pose, hub, ""),
		}
	}

	newLocalizer, err := localizerFactory(cfg, logger)
	if err != nil {
		return err
	}

	tr, err := tracker.New(tracker.Options{
		LicenseKeyPath: cfg.LicenseKeyPath(),
		DatasetPath:    cfg.DatasetPath(),
		NewLocalizer:   newLocalizer,
		Telemetry:      tel,
		Clock:          clk,
		IdleInterval:   time.Duration(cfg.IdleInterval) * time.Millisecond,
		OnReport: func(r tracker.Report) {
			for _, f := range onReport {
				f(r)
			}
		},
		Logger: log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := tr.Setup(ctx); err != nil {
			return err
		}
		log.Infof("tracker: run %s ready, %d targets registered", tr.RunID(), len(tr.Trackables()))
		return tr.Run(ctx)
	})
	if srv != nil {
		g.Go(func() error {
			defer hub.Close()
			return serveHTTP(ctx, srv, logger.Named("web"))
		})
	}
	return g.Wait()
}
