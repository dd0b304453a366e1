// Package telemetry is the line-oriented reporting channel of the robot.
// Callers append lines with AddLine/AddData and flush them as one Frame with
// Update; every configured Sink receives each frame.
package telemetry

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/relabs-tech/fieldnav/internal/logging"
)

// Line is one telemetry line. Lines added with AddLine have no caption.
type Line struct {
	Caption string `json:"caption,omitempty"`
	Value   string `json:"value"`
}

func (l Line) String() string {
	if l.Caption == "" {
		return l.Value
	}
	return l.Caption + " : " + l.Value
}

// Frame is the set of lines flushed by one Update.
type Frame struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Lines []Line    `json:"lines"`
}

// Sink receives flushed frames.
type Sink interface {
	Publish(Frame) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Frame) error

// Publish implements Sink.
func (f SinkFunc) Publish(frame Frame) error { return f(frame) }

type namedSink struct {
	name string
	sink Sink
}

// Telemetry buffers lines until Update. It is not safe for concurrent use;
// the tracker drives it from its own loop.
type Telemetry struct {
	clock   clock.Clock
	log     *zap.SugaredLogger
	sinks   []namedSink
	pending []Line
	seq     uint64
}

// New returns a Telemetry with no sinks.
func New(clk clock.Clock, logger *zap.SugaredLogger) *Telemetry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Telemetry{clock: clk, log: logger}
}

// AddSink registers a sink under a name used in log messages.
func (t *Telemetry) AddSink(name string, s Sink) {
	t.sinks = append(t.sinks, namedSink{name: name, sink: s})
}

// AddLine appends an uncaptioned line.
func (t *Telemetry) AddLine(line string) {
	t.pending = append(t.pending, Line{Value: line})
}

// AddData appends a "caption : value" line.
func (t *Telemetry) AddData(caption string, value any) {
	t.pending = append(t.pending, Line{Caption: caption, Value: fmt.Sprint(value)})
}

// Update flushes the pending lines as one frame to every sink. A failing
// sink is logged and does not stop the others.
func (t *Telemetry) Update() {
	t.seq++
	frame := Frame{Seq: t.seq, Time: t.clock.Now(), Lines: t.pending}
	t.pending = nil

	for _, s := range t.sinks {
		if err := s.sink.Publish(frame); err != nil {
			t.log.Warnf("telemetry: %s sink: %v", s.name, err)
		}
	}
}

// Close closes every sink that is an io.Closer.
func (t *Telemetry) Close() error {
	var errs []error
	for _, s := range t.sinks {
		if c, ok := s.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			}
		}
	}
	return errors.Join(errs...)
}
