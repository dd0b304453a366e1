package app

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/fieldnav/internal/config"
	"github.com/relabs-tech/fieldnav/internal/logging"
	"github.com/relabs-tech/fieldnav/internal/telemetry"
	"github.com/relabs-tech/fieldnav/internal/tracker"
)

func formatPose(r tracker.Report) string {
	target := r.Target
	if target == "" {
		target = "-"
	}
	return fmt.Sprintf("[POSE] #%-6d X=%8.2f  Y=%8.2f  HEADING=%7.2f  target=%s",
		r.Cycle, r.X, r.Y, r.Heading, target)
}

func formatFrame(f telemetry.Frame) []string {
	out := make([]string, 0, len(f.Lines))
	for _, l := range f.Lines {
		out = append(out, fmt.Sprintf("[TELE] #%-6d %s", f.Seq, l))
	}
	return out
}

// RunConsoleMQTT prints the pose reports and telemetry a tracker publishes.
func RunConsoleMQTT() error {
	cfg := config.Get()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("console")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDConsole)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Infof("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	poseToken := client.Subscribe(cfg.TopicPose, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var r tracker.Report
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			log.Warnf("console: pose unmarshal error: %v", err)
			return
		}
		fmt.Println(formatPose(r))
	})
	poseToken.Wait()
	if poseToken.Error() != nil {
		return poseToken.Error()
	}
	log.Infof("console: subscribed to %s", cfg.TopicPose)

	teleToken := client.Subscribe(cfg.TopicTelemetry, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var f telemetry.Frame
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			log.Warnf("console: telemetry unmarshal error: %v", err)
			return
		}
		for _, line := range formatFrame(f) {
			fmt.Println(line)
		}
	})
	teleToken.Wait()
	if teleToken.Error() != nil {
		return teleToken.Error()
	}
	log.Infof("console: subscribed to %s", cfg.TopicTelemetry)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("console: shutting down")
	client.Disconnect(250)
	return nil
}
