package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	serial "github.com/jacobsa/go-serial/serial"
)

// WriterSink prints frames as text, one line per telemetry line and a blank
// line between frames.
type WriterSink struct {
	w io.Writer
}

// NewWriterSink returns a sink writing to w (usually os.Stdout).
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Publish implements Sink.
func (s *WriterSink) Publish(frame Frame) error {
	bw := bufio.NewWriter(s.w)
	for _, l := range frame.Lines {
		fmt.Fprintln(bw, l.String())
	}
	fmt.Fprintln(bw)
	return bw.Flush()
}

const mqttPublishTimeout = 2 * time.Second

// MQTTSink publishes frames as JSON.
type MQTTSink struct {
	client mqtt.Client
	topic  string
}

// NewMQTTSink returns a sink publishing to topic on an already connected client.
func NewMQTTSink(client mqtt.Client, topic string) *MQTTSink {
	return &MQTTSink{client: client, topic: topic}
}

// Publish implements Sink.
func (s *MQTTSink) Publish(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	token := s.client.Publish(s.topic, 0, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish %s: timed out after %s", s.topic, mqttPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", s.topic, err)
	}
	return nil
}

// SerialSink writes text frames to a serial line, e.g. a UART link to the
// driver station.
type SerialSink struct {
	*WriterSink
	port io.ReadWriteCloser
}

// OpenSerial opens portName at baud (8N1).
func OpenSerial(portName string, baud int) (*SerialSink, error) {
	port, err := serial.Open(serial.OpenOptions{
		PortName:              portName,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	return NewSerialSink(port), nil
}

// NewSerialSink wraps an already open port.
func NewSerialSink(port io.ReadWriteCloser) *SerialSink {
	return &SerialSink{WriterSink: NewWriterSink(port), port: port}
}

// Close closes the port.
func (s *SerialSink) Close() error {
	return s.port.Close()
}
