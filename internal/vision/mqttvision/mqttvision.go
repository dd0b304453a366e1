// Package mqttvision is a vision localizer fed by an external camera
// coprocessor that publishes target detections over MQTT.
//
// Each message on the detections topic describes one target:
//
//	{"index": 9, "pose": {"x": 0, "y": 0, "z": 600, "u": 0, "v": 0, "w": 0}}  target pose in the camera frame
//	{"index": 9, "robot": {"x": 120, "y": 880, "w": 90}}                     robot location resolved upstream
//	{"index": 9}                                                             in view, nothing resolved
//	{"index": 9, "lost": true}                                               out of view
package mqttvision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/fieldnav/internal/logging"
	"github.com/relabs-tech/fieldnav/internal/transform"
	"github.com/relabs-tech/fieldnav/internal/vision"
)

// Detection is one detections-topic message.
type Detection struct {
	Index int               `json:"index"`
	Lost  bool              `json:"lost,omitempty"`
	Pose  *transform.Params `json:"pose,omitempty"`
	Robot *transform.Params `json:"robot,omitempty"`
}

// Options configure the MQTT connection.
type Options struct {
	Broker   string
	ClientID string
	Topic    string
	Logger   *zap.SugaredLogger
}

// Localizer subscribes to detections and feeds DefaultListeners.
type Localizer struct {
	client     mqtt.Client
	topic      string
	params     vision.Parameters
	trackables *vision.Trackables
	log        *zap.SugaredLogger
}

// Factory connects to the broker when the tracker creates its localizer.
func Factory(opts Options) vision.LocalizerFactory {
	return func(ctx context.Context, params vision.Parameters) (vision.Localizer, error) {
		if err := params.Validate(); err != nil {
			return nil, err
		}
		clientOpts := mqtt.NewClientOptions().
			AddBroker(opts.Broker).
			SetClientID(opts.ClientID).
			SetAutoReconnect(true)

		client := mqtt.NewClient(clientOpts)
		if err := wait(ctx, client.Connect()); err != nil {
			return nil, fmt.Errorf("mqttvision: connect %s: %w", opts.Broker, err)
		}
		logger := opts.Logger
		if logger == nil {
			logger = logging.Nop()
		}
		logger.Infof("mqttvision: connected to MQTT broker at %s", opts.Broker)
		return New(client, opts.Topic, params, logger)
	}
}

// New wraps an already connected client.
func New(client mqtt.Client, topic string, params vision.Parameters, logger *zap.SugaredLogger) (*Localizer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, errors.New("mqttvision: empty detections topic")
	}
	return &Localizer{client: client, topic: topic, params: params, log: logger}, nil
}

// LoadTrackables implements vision.Localizer.
func (l *Localizer) LoadTrackables(path string) (*vision.Trackables, error) {
	targets, err := vision.LoadDataset(path)
	if err != nil {
		return nil, err
	}
	l.trackables = vision.NewTrackables(vision.DatasetName(path), targets, l.params.UseExtendedTracking)
	return l.trackables, nil
}

// Activate subscribes to the detections topic.
func (l *Localizer) Activate(ctx context.Context) error {
	if l.trackables == nil {
		return errors.New("mqttvision: activate before trackables are loaded")
	}
	if err := wait(ctx, l.client.Subscribe(l.topic, 0, l.handle)); err != nil {
		return fmt.Errorf("mqttvision: subscribe %s: %w", l.topic, err)
	}
	l.log.Infof("mqttvision: subscribed to %s", l.topic)
	return nil
}

func (l *Localizer) handle(_ mqtt.Client, msg mqtt.Message) {
	var d Detection
	if err := json.Unmarshal(msg.Payload(), &d); err != nil {
		l.log.Warnf("mqttvision: detection unmarshal error: %v", err)
		return
	}
	if err := l.apply(d); err != nil {
		l.log.Warnf("mqttvision: %v", err)
	}
}

// apply feeds one detection to its trackable's listener.
func (l *Localizer) apply(d Detection) error {
	tr, err := l.trackables.Get(d.Index)
	if err != nil {
		return err
	}
	listener, ok := tr.Listener.(*vision.DefaultListener)
	if !ok {
		return fmt.Errorf("trackable %d has no default listener", d.Index)
	}

	if d.Lost {
		listener.OnLost()
		return nil
	}
	if limit := l.params.MaxSimultaneousTargets; limit > 0 && !listener.IsVisible() && l.trackables.VisibleCount() >= limit {
		l.log.Debugf("mqttvision: ignoring %q, already tracking %d targets", tr.Name, limit)
		return nil
	}

	switch {
	case d.Pose != nil && d.Robot != nil:
		return fmt.Errorf("detection for %d has both pose and robot", d.Index)
	case d.Robot != nil:
		listener.OnRobotLocation(transform.FromParams(*d.Robot))
	case d.Pose != nil:
		listener.OnTracked(transform.FromParams(*d.Pose))
	default:
		listener.OnVisibleUnresolved()
	}
	return nil
}

// wait blocks on a paho token until it completes or ctx is done.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ vision.Localizer = (*Localizer)(nil)
