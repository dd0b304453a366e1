package app

import (
	"encoding/json"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/fieldnav/internal/config"
	"github.com/relabs-tech/fieldnav/internal/logging"
	"github.com/relabs-tech/fieldnav/internal/vision/mqttvision"
	"github.com/relabs-tech/fieldnav/internal/vision/replay"
)

// frameDetections turns one replay frame into detections-topic messages.
// Targets in inView that the frame no longer lists are reported lost.
// inView is updated in place.
func frameDetections(inView map[int]bool, f replay.Frame) []mqttvision.Detection {
	seen := make(map[int]bool, len(f.Detections))
	out := make([]mqttvision.Detection, 0, len(f.Detections))
	for _, d := range f.Detections {
		seen[d.Index] = true
		out = append(out, mqttvision.Detection{Index: d.Index, Pose: d.Camera, Robot: d.Robot})
	}

	var lost []int
	for idx := range inView {
		if !seen[idx] {
			lost = append(lost, idx)
		}
	}
	sort.Ints(lost)
	for _, idx := range lost {
		out = append(out, mqttvision.Detection{Index: idx, Lost: true})
		delete(inView, idx)
	}
	for idx := range seen {
		inView[idx] = true
	}
	return out
}

// finalDetections reports every target still in view as lost, so the
// subscriber sees the camera go dark when a scenario ends.
func finalDetections(inView map[int]bool) []mqttvision.Detection {
	return frameDetections(inView, replay.Frame{})
}

// RunVisionProducer publishes the replay scenario as camera detections, one
// frame per idle interval, standing in for the camera coprocessor.
func RunVisionProducer() error {
	cfg := config.Get()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("producer")

	scenario, err := replay.Load(cfg.ReplayFile)
	if err != nil {
		return err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDTracker + "-producer")

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Infof("producer: connected to MQTT broker at %s", cfg.MQTTBroker)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(cfg.IdleInterval) * time.Millisecond)
	defer ticker.Stop()

	publish := func(ds []mqttvision.Detection) {
		for _, d := range ds {
			payload, err := json.Marshal(d)
			if err != nil {
				log.Warnf("producer: json marshal error: %v", err)
				continue
			}
			token := client.Publish(cfg.TopicDetections, 0, false, payload)
			token.Wait()
			if token.Error() != nil {
				log.Warnf("producer: publish error: %v", token.Error())
			}
		}
	}

	inView := make(map[int]bool)
	defer func() { publish(finalDetections(inView)) }()

	for i := 0; ; i++ {
		if i == len(scenario.Frames) {
			if !scenario.Loop {
				log.Infof("producer: published %d frames", i)
				return nil
			}
			i = 0
		}
		if len(scenario.Frames) == 0 {
			return nil
		}

		publish(frameDetections(inView, scenario.Frames[i]))

		select {
		case <-sigCh:
			log.Info("producer: shutting down")
			return nil
		case <-ticker.C:
		}
	}
}
