package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/fieldnav/internal/config"
	"github.com/relabs-tech/fieldnav/internal/logging"
	"github.com/relabs-tech/fieldnav/internal/telemetry"
	"github.com/relabs-tech/fieldnav/internal/tracker"
)

const shutdownTimeout = 5 * time.Second

// poseCache holds the latest pose report and serves it as JSON.
type poseCache struct {
	log *zap.SugaredLogger

	mu   sync.RWMutex
	last tracker.Report
	have bool
}

func newPoseCache(log *zap.SugaredLogger) *poseCache {
	if log == nil {
		log = logging.Nop()
	}
	return &poseCache{log: log}
}

func (c *poseCache) Set(r tracker.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = r
	c.have = true
}

func (c *poseCache) Get() (tracker.Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.have
}

func (c *poseCache) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	r, ok := c.Get()
	if !ok {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r); err != nil {
		c.log.Debugf("web: pose encode error: %v", err)
	}
}

// newWebMux routes the pose API, the telemetry websocket and, if staticDir
// is set, the dashboard files.
func newWebMux(pose *poseCache, hub *telemetry.Hub, staticDir string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/pose", pose)
	mux.Handle("/ws/telemetry", hub)
	if staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}
	return mux
}

// serveHTTP runs srv until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, srv *http.Server, log *zap.SugaredLogger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("web: listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("web: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: %w", err)
	}
	log.Info("web: stopped")
	return nil
}

// RunWeb serves the dashboard from the MQTT stream of a tracker running
// elsewhere: /api/pose answers with the latest pose report and
// /ws/telemetry relays telemetry frames.
func RunWeb() error {
	cfg := config.Get()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("web")

	if cfg.MQTTBroker == "" {
		return errors.New("web: MQTT_BROKER is not set")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDWeb).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Infof("web: connected to MQTT broker at %s", cfg.MQTTBroker)

	pose := newPoseCache(log)
	hub := telemetry.NewHub(log)

	token := client.Subscribe(cfg.TopicPose, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var r tracker.Report
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			log.Warnf("web: pose unmarshal error: %v", err)
			return
		}
		pose.Set(r)
	})
	if token.Wait(); token.Error() != nil {
		return token.Error()
	}
	log.Infof("web: subscribed to %s", cfg.TopicPose)

	token = client.Subscribe(cfg.TopicTelemetry, 0, func(_ mqtt.Client, msg mqtt.Message) {
		hub.Broadcast(msg.Payload())
	})
	if token.Wait(); token.Error() != nil {
		return token.Error()
	}
	log.Infof("web: subscribed to %s", cfg.TopicTelemetry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler: newWebMux(pose, hub, "web"),
	}
	defer hub.Close()
	return serveHTTP(ctx, srv, log)
}
