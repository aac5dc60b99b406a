package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethan/discord-voice-relay/pkg/discovery"
	"github.com/ethan/discord-voice-relay/pkg/logger"
	"github.com/ethan/discord-voice-relay/pkg/voice"
)

// One-shot IP discovery probe: connects to a voice endpoint, runs the
// discovery exchange, and prints the NAT-mapped address.
func main() {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	logFlags := logger.Register(fs)

	ip := fs.String("ip", "", "Voice server IP")
	port := fs.Uint("port", 0, "Voice server port")
	ssrc := fs.Uint("ssrc", 0, "Session SSRC")
	timeout := fs.Duration("timeout", 5*time.Second, "Discovery response timeout")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *ip == "" || *port == 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s -ip <addr> -port <port> -ssrc <ssrc>\n", os.Args[0])
		os.Exit(1)
	}

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

	session, err := voice.NewSession(*ip, uint16(*port), uint32(*ssrc), log.Logger)
	if err != nil {
		log.Error("failed to create session", "error", err)
		os.Exit(1)
	}
	defer session.Disconnect()

	mapping, err := session.DiscoverIP(context.Background(), *timeout)
	if err != nil {
		log.Error("discovery failed", "error", err)
		os.Exit(1)
	}

	log.DebugCat(logger.CatDiscovery, "discovery exchange complete",
		"ssrc", *ssrc,
		"request_bytes", logger.Hex(discovery.Request(uint32(*ssrc)), 16))

	fmt.Printf("address=%s port=%d\n", mapping.Address.String(), mapping.Port)
}
