package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethan/discord-voice-relay/pkg/broadcast"
	"github.com/ethan/discord-voice-relay/pkg/config"
	"github.com/ethan/discord-voice-relay/pkg/logger"
	"github.com/ethan/discord-voice-relay/pkg/stream"
	"github.com/ethan/discord-voice-relay/pkg/voice"
)

const discoveryTimeout = 5 * time.Second

func main() {
	// Parse command-line flags
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	logFlags := logger.Register(fs)

	envPath := fs.String("env", ".env", "Path to the environment file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Local PCM stream → Discord voice relay\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger from flags
	logOpts, err := logFlags.Options()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	slog.SetDefault(log.Logger)

	log.Info("starting PCM → Discord voice relay",
		"log_level", logOpts.Level.String(),
		"debug", logOpts.Debug.String())

	// Load configuration
	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded",
		"voice_endpoint", fmt.Sprintf("%s:%d", cfg.Voice.IP, cfg.Voice.Port),
		"ssrc", cfg.Voice.SSRC,
		"crypto_mode", cfg.Voice.CryptoMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Broadcast hub fans the encoded stream out to voice sessions
	hub := broadcast.New(log.Logger)

	// Local PCM ingest: anything writing s16le stereo frames to this port
	// is relayed to Discord
	pcmStream, err := stream.New(cfg.Stream.ListenAddr, hub, log.Logger)
	if err != nil {
		log.Error("failed to start PCM stream", "error", err)
		os.Exit(1)
	}
	defer pcmStream.Stop()

	log.Info("PCM ingest ready", "port", pcmStream.Port())

	// Voice session against the signaled endpoint
	session, err := voice.NewSession(cfg.Voice.IP, cfg.Voice.Port, cfg.Voice.SSRC, log.Logger)
	if err != nil {
		log.Error("failed to create voice session", "error", err)
		os.Exit(1)
	}
	defer session.Disconnect()

	mapping, err := session.DiscoverIP(ctx, discoveryTimeout)
	if err != nil {
		log.Error("IP discovery failed", "error", err)
		os.Exit(1)
	}
	log.Info("public mapping discovered",
		"address", mapping.Address.String(),
		"port", mapping.Port)

	if err := session.Connect(cfg.Voice.SecretKey, cfg.Voice.CryptoMode, hub); err != nil {
		log.Error("voice connect failed", "error", err)
		os.Exit(1)
	}

	log.Info("relay is active - send PCM frames to begin streaming")

	<-ctx.Done()

	log.Info("shutting down relay")
}
