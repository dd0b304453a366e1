package main

import (
	"log"

	"github.com/relabs-tech/fieldnav/internal/app"
	"github.com/relabs-tech/fieldnav/internal/config"
)

func main() {
	log.Println("starting fieldnav console (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal("fieldnav_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunConsoleMQTT(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
