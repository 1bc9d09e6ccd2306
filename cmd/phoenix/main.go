package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/uorocketry/phoenix/internal/canbus"
	"github.com/uorocketry/phoenix/internal/config"
	"github.com/uorocketry/phoenix/internal/groundlink"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./phoenix.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var opts Options
	if cfg.GroundLink.Enable {
		bridge, err := groundlink.New(cfg.GroundLink, canbus.BoardID(cfg.Board.ID))
		if err != nil {
			log.Fatalf("groundlink init failed: %v", err)
		}
		if err := bridge.Connect(); err != nil {
			log.Fatalf("groundlink connect failed: %v", err)
		}
		opts.Ground = bridge
	}

	r, err := newRuntime(cfg, opts)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}
	defer r.Close()

	log.Printf("phoenix starting: board=%d baro=%q radio=%q", cfg.Board.ID, cfg.Baro.Device, cfg.Radio.Device)

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("runtime stopped: %v", err)
	}
	log.Printf("phoenix stopping")
}
