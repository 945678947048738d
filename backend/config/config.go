package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

type Config struct {
	WSListenAddr       string   `toml:"ws_listen_addr"`
	APIListenAddr      string   `toml:"api_listen_addr"`
	LogLevel           string   `toml:"log_level"`
	MaxMessageSize     int64    `toml:"max_message_size"`
	OutboundQueueSize  int      `toml:"outbound_queue_size"`
	MaxEventsPerSecond float64  `toml:"max_events_per_second"`
	EventBurst         int      `toml:"event_burst"`
	AllowedOrigins     []string `toml:"allowed_origins"`
	StrictOfferRoom    bool     `toml:"strict_offer_room"`
}

func Default() Config {
	return Config{
		WSListenAddr:       ":8000",
		APIListenAddr:      ":8080",
		LogLevel:           "info",
		MaxMessageSize:     64 * 1024,
		OutboundQueueSize:  64,
		MaxEventsPerSecond: 20,
		EventBurst:         40,
	}
}

// Load builds the config from defaults, an optional TOML file and
// command line args. Flags set explicitly win over the file.
func Load(args []string) (*Config, error) {
	def := Default()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath         = fs.StringP("config", "c", "", "path to TOML config file")
		wsListenAddr       = fs.StringP("ws-listen-addr", "w", def.WSListenAddr, "websocket signaling listen address")
		apiListenAddr      = fs.StringP("api-listen-addr", "a", def.APIListenAddr, "api listen address")
		logLevel           = fs.StringP("log-level", "l", def.LogLevel, "log level")
		maxMessageSize     = fs.Int64("max-message-size", def.MaxMessageSize, "max inbound websocket message size in bytes")
		outboundQueueSize  = fs.Int("outbound-queue-size", def.OutboundQueueSize, "per connection outbound event queue size")
		maxEventsPerSecond = fs.Float64("max-events-per-second", def.MaxEventsPerSecond, "per connection inbound event rate")
		eventBurst         = fs.Int("event-burst", def.EventBurst, "per connection inbound event burst")
		allowedOrigins     = fs.StringSlice("allowed-origins", nil, "allowed websocket origins, empty allows all")
		strictOfferRoom    = fs.Bool("strict-offer-room", false, "relay offers only between members of the offer's room")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := def
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "ws-listen-addr":
			cfg.WSListenAddr = *wsListenAddr
		case "api-listen-addr":
			cfg.APIListenAddr = *apiListenAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "max-message-size":
			cfg.MaxMessageSize = *maxMessageSize
		case "outbound-queue-size":
			cfg.OutboundQueueSize = *outboundQueueSize
		case "max-events-per-second":
			cfg.MaxEventsPerSecond = *maxEventsPerSecond
		case "event-burst":
			cfg.EventBurst = *eventBurst
		case "allowed-origins":
			cfg.AllowedOrigins = *allowedOrigins
		case "strict-offer-room":
			cfg.StrictOfferRoom = *strictOfferRoom
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	switch {
	case cfg.WSListenAddr == "":
		return errors.Join(ErrInvalidConfig, errors.New("ws listen address is empty"))
	case cfg.APIListenAddr == "":
		return errors.Join(ErrInvalidConfig, errors.New("api listen address is empty"))
	case cfg.MaxMessageSize <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("max message size must be positive"))
	case cfg.OutboundQueueSize <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("outbound queue size must be positive"))
	case cfg.MaxEventsPerSecond <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("event rate must be positive"))
	case cfg.EventBurst <= 0:
		return errors.Join(ErrInvalidConfig, errors.New("event burst must be positive"))
	}
	return nil
}
