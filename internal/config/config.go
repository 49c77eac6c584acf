package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Desk/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode              string        `mapstructure:"mode"`
	LogLevel          string        `mapstructure:"log_level"`
	StatusAddr        string        `mapstructure:"status_addr"`
	LoopbackICE       bool          `mapstructure:"loopback_candidates"`
	DirectDialTimeout time.Duration `mapstructure:"direct_dial_timeout"`
	MediaQueueDepth   int           `mapstructure:"media_queue_depth"`
	InputPollPeriod   time.Duration `mapstructure:"input_poll_period"`
	Session           Session       `mapstructure:"session"`
}

type Session struct {
	ClientID       string   `mapstructure:"client_id"`
	RoomID         string   `mapstructure:"room_id"`
	AuthToken      string   `mapstructure:"auth_token"`
	SignalingURL   string   `mapstructure:"signaling_url"`
	Codec          string   `mapstructure:"codec"`
	Width          uint32   `mapstructure:"width"`
	Height         uint32   `mapstructure:"height"`
	RefreshRate    uint32   `mapstructure:"refresh_rate"`
	AudioFrequency uint32   `mapstructure:"audio_frequency"`
	AudioChannels  uint32   `mapstructure:"audio_channels"`
	ReflexServers  []string `mapstructure:"reflex_servers"`
	RelayServers   []string `mapstructure:"relay_servers"`
	P2PUsername    string   `mapstructure:"p2p_username"`
	P2PPassword    string   `mapstructure:"p2p_password"`
	DriverInput    bool     `mapstructure:"driver_input"`
	Gamepad        bool     `mapstructure:"gamepad"`
	Tuning         Tuning   `mapstructure:"tuning"`
}

type Tuning struct {
	KeepalivePeriod   time.Duration `mapstructure:"keepalive_period"`
	TimeoutMultiplier int           `mapstructure:"timeout_multiplier"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	CandidateTimeout  time.Duration `mapstructure:"candidate_timeout"`
	TimeSyncPeriod    time.Duration `mapstructure:"timesync_period"`
	TimeSyncWeight    float64       `mapstructure:"timesync_weight"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffMin        time.Duration `mapstructure:"backoff_min"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	DrainGrace        time.Duration `mapstructure:"drain_grace"`
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"room":          "session.room_id",
	"token":         "session.auth_token",
	"signaling-url": "session.signaling_url",
	"client-id":     "session.client_id",
	"status-addr":   "status_addr",
	"log-level":     "log_level",
	"mode":          "mode",
}

// Flags declares the command line overrides understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("desk", pflag.ContinueOnError)
	fs.String("room", "", "room id to join")
	fs.String("token", "", "auth token")
	fs.String("signaling-url", "", "signaling server url (ws:// or wss://)")
	fs.String("client-id", "", "client id, random when empty")
	fs.String("status-addr", "", "status endpoint listen address, empty disables it")
	fs.String("log-level", "", "log level")
	fs.String("mode", "", "gin mode for the status endpoint")
	return fs
}

// Load reads config/config.<CONFIG_ENV>.yaml, then DESK_* environment
// variables, then flags set on fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return load(fmt.Sprintf("config/config.%s.yaml", env), fs)
}

func load(fileName string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("DESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Session.ClientID == "" {
		cfg.Session.ClientID = uuid.NewString()
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("room", cfg.Session.RoomID).
		Str("signaling", cfg.Session.SignalingURL).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	t := domain.DefaultTuning()

	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("status_addr", "127.0.0.1:7380")
	v.SetDefault("loopback_candidates", false)
	v.SetDefault("direct_dial_timeout", "5s")
	v.SetDefault("media_queue_depth", 64)
	v.SetDefault("input_poll_period", "4ms")

	v.SetDefault("session.client_id", "")
	v.SetDefault("session.room_id", "")
	v.SetDefault("session.auth_token", "")
	v.SetDefault("session.signaling_url", "")
	v.SetDefault("session.codec", "h264")
	v.SetDefault("session.width", 1920)
	v.SetDefault("session.height", 1080)
	v.SetDefault("session.refresh_rate", 60)
	v.SetDefault("session.audio_frequency", 48000)
	v.SetDefault("session.audio_channels", 2)
	v.SetDefault("session.reflex_servers", []string{})
	v.SetDefault("session.relay_servers", []string{})
	v.SetDefault("session.p2p_username", "")
	v.SetDefault("session.p2p_password", "")
	v.SetDefault("session.driver_input", false)
	v.SetDefault("session.gamepad", false)

	v.SetDefault("session.tuning.keepalive_period", t.KeepalivePeriod)
	v.SetDefault("session.tuning.timeout_multiplier", t.TimeoutMultiplier)
	v.SetDefault("session.tuning.join_timeout", t.JoinTimeout)
	v.SetDefault("session.tuning.candidate_timeout", t.CandidateTimeout)
	v.SetDefault("session.tuning.timesync_period", t.TimeSyncPeriod)
	v.SetDefault("session.tuning.timesync_weight", t.TimeSyncWeight)
	v.SetDefault("session.tuning.max_retries", t.MaxRetries)
	v.SetDefault("session.tuning.backoff_min", t.BackoffMin)
	v.SetDefault("session.tuning.backoff_max", t.BackoffMax)
	v.SetDefault("session.tuning.drain_grace", t.DrainGrace)
}

// Params converts the session section into engine parameters.
func (s Session) Params() domain.Params {
	return domain.Params{
		ClientID:     domain.ClientID(s.ClientID),
		RoomID:       domain.RoomID(s.RoomID),
		AuthToken:    s.AuthToken,
		SignalingURL: s.SignalingURL,
		Video: domain.VideoFormat{
			Codec:       s.Codec,
			Width:       s.Width,
			Height:      s.Height,
			RefreshRate: s.RefreshRate,
		},
		Audio:         domain.AudioFormat{Frequency: s.AudioFrequency, Channels: s.AudioChannels},
		ReflexServers: s.ReflexServers,
		RelayServers:  s.RelayServers,
		P2PUsername:   s.P2PUsername,
		P2PPassword:   s.P2PPassword,
		Features:      domain.Features{DriverInput: s.DriverInput, Gamepad: s.Gamepad},
		Tuning: domain.Tuning{
			KeepalivePeriod:   s.Tuning.KeepalivePeriod,
			TimeoutMultiplier: s.Tuning.TimeoutMultiplier,
			JoinTimeout:       s.Tuning.JoinTimeout,
			CandidateTimeout:  s.Tuning.CandidateTimeout,
			TimeSyncPeriod:    s.Tuning.TimeSyncPeriod,
			TimeSyncWeight:    s.Tuning.TimeSyncWeight,
			MaxRetries:        s.Tuning.MaxRetries,
			BackoffMin:        s.Tuning.BackoffMin,
			BackoffMax:        s.Tuning.BackoffMax,
			DrainGrace:        s.Tuning.DrainGrace,
		},
	}
}

// Store hands the loaded session section to the engine as an immutable
// SessionConfig.
type Store struct {
	cfg *Config
}

func NewStore(cfg *Config) *Store { return &Store{cfg: cfg} }

func (s *Store) Load() (domain.SessionConfig, error) {
	if s.cfg == nil {
		return domain.SessionConfig{}, &domain.ConstructionError{Reason: "config store", Err: fmt.Errorf("no config loaded")}
	}
	return domain.NewSessionConfig(s.cfg.Session.Params())
}
