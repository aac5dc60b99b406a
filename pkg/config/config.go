package config

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all settings for the relay binary
type Config struct {
	Voice  VoiceConfig
	Stream StreamConfig
}

// VoiceConfig holds the Discord voice endpoint parameters delivered by signaling
type VoiceConfig struct {
	IP         string
	Port       uint16
	SSRC       uint32
	SecretKey  []byte // 32-byte session key, hex encoded in the env file
	CryptoMode string
}

// StreamConfig holds the local PCM ingest settings
type StreamConfig struct {
	ListenAddr string
}

// Load reads configuration from a .env file
func Load(envPath string) (*Config, error) {
	env, err := godotenv.Read(envPath)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}

	cfg := &Config{}
	cfg.Voice.IP = env["voice_ip"]
	cfg.Voice.CryptoMode = env["crypto_mode"]

	if v := env["voice_port"]; v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("parse voice_port: %w", err)
		}
		cfg.Voice.Port = uint16(port)
	}

	if v := env["ssrc"]; v != "" {
		ssrc, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("parse ssrc: %w", err)
		}
		cfg.Voice.SSRC = uint32(ssrc)
	}

	if v := env["secret_key"]; v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode secret_key: %w", err)
		}
		cfg.Voice.SecretKey = key
	}

	cfg.Stream.ListenAddr = env["pcm_listen_addr"]
	if cfg.Stream.ListenAddr == "" {
		cfg.Stream.ListenAddr = "127.0.0.1:0"
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are present
func (c *Config) Validate() error {
	if c.Voice.IP == "" {
		return fmt.Errorf("missing voice_ip")
	}
	if c.Voice.Port == 0 {
		return fmt.Errorf("missing voice_port")
	}
	if c.Voice.SSRC == 0 {
		return fmt.Errorf("missing ssrc")
	}
	if len(c.Voice.SecretKey) != 32 {
		return fmt.Errorf("secret_key must be 32 bytes, got %d", len(c.Voice.SecretKey))
	}
	if c.Voice.CryptoMode == "" {
		return fmt.Errorf("missing crypto_mode")
	}
	return nil
}
