package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/auravoice/aura/internal/capture"
	"github.com/auravoice/aura/internal/config"
	"github.com/auravoice/aura/internal/convo"
	"github.com/auravoice/aura/internal/fallback"
	"github.com/auravoice/aura/internal/link"
	"github.com/auravoice/aura/internal/peer"
	"github.com/auravoice/aura/internal/playback"
	"github.com/auravoice/aura/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a conversation session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runSession(cfg)
	},
}

// runSession builds the application context explicitly: every component is
// constructed here and handed to the machine by reference. Nothing is a
// package-level singleton.
func runSession(cfg config.Config) error {
	turns, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer turns.Close()

	l := link.New(link.Options{
		URL:               link.WSURL(cfg.Server.URL, cfg.Server.WSPath),
		HealthURL:         cfg.Server.URL + cfg.Server.HealthPath,
		ReconnectAttempts: cfg.Link.ReconnectAttempts,
		ReconnectDelay:    time.Duration(cfg.Link.ReconnectDelayMS) * time.Millisecond,
		PingInterval:      time.Duration(cfg.Link.PingIntervalS) * time.Second,
	})

	device := capture.NewExecDevice()
	if !device.Available() {
		return fmt.Errorf("no audio capture tool found (install sox, arecord or ffmpeg)")
	}
	rec := capture.New(device, capture.Options{
		SampleRate:         cfg.Capture.SampleRate,
		SilenceEnabled:     cfg.Capture.SilenceEnabled,
		SilenceThresholdDB: cfg.Capture.SilenceThresholdDB,
		MinSilence:         time.Duration(cfg.Capture.MinSilenceMS) * time.Millisecond,
		MaxDuration:        time.Duration(cfg.Capture.MaxDurationS) * time.Second,
	})

	player, err := playback.New(playback.NewExecPlayer(), playback.Options{
		CacheCapacity: cfg.Playback.CacheCapacity,
		SafetyFloor:   time.Duration(cfg.Playback.SafetyFloorS) * time.Second,
		SafetyFactor:  cfg.Playback.SafetyFactor,
	})
	if err != nil {
		return err
	}

	peerCh := peer.New(l, nil)
	fb := fallback.New(l, fallback.Options{
		MaxMessageBytes: cfg.Fallback.MaxMessageBytes,
		ChunkDelay:      time.Duration(cfg.Fallback.ChunkDelayMS) * time.Millisecond,
	})

	machine := convo.New(l, rec, player, peerCh, fb, turns, convo.Options{
		ActivateAttempts: cfg.Activate.Attempts,
		ActivateDelay:    time.Duration(cfg.Activate.DelayMS) * time.Millisecond,
	})

	// capture feeds the machine on silence/safety stops and the peer track
	// with live frames
	rec.AutoStop = machine.OnCaptureStopped
	rec.OnError = machine.OnCaptureFailed
	rec.SetSink(peerCh.Sink())
	peerCh.OnStreamClosed = func(reason string) {
		fmt.Printf("peer stream closed (%s), continuing over fallback\n", reason)
	}
	machine.AddObserver(func(s convo.State, err error) {
		if err != nil {
			fmt.Printf("state: %s (%v)\n", s, err)
			return
		}
		fmt.Printf("state: %s\n", s)
	})
	machine.OnProgress = func(stage, message string) {
		if stage != "" {
			fmt.Printf("  backend: %s %s\n", stage, message)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("connecting to %s...\n", cfg.Server.URL)
	if err := machine.Activate(ctx); err != nil {
		return fmt.Errorf("backend not reachable: %w", err)
	}
	fmt.Println("connected, starting conversation (Ctrl+C to stop)")
	machine.StartTurn()

	<-sigCh
	fmt.Println("\nshutting down")
	machine.Stop()
	return nil
}
