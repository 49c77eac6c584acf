// Package domain contains the session data model: plain values and the
// error taxonomy, no I/O.
package domain

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"
)

var (
	ErrClientIDEmpty   = errors.New("client id empty")
	ErrClientIDTooLong = errors.New("client id too long")
	ErrRoomIDEmpty     = errors.New("room id empty")
	ErrRoomIDTooLong   = errors.New("room id too long")
	ErrAuthTokenEmpty  = errors.New("auth token empty")
	ErrSignalingURL    = errors.New("invalid signaling url")
	ErrUnknownCodec    = errors.New("unknown codec")
	ErrBadResolution   = errors.New("invalid resolution")
)

var knownCodecs = []string{"h264", "h265", "av1"}

// Tuning holds the engine timing knobs. Zero fields take DefaultTuning values.
type Tuning struct {
	KeepalivePeriod   time.Duration
	TimeoutMultiplier int
	JoinTimeout       time.Duration
	CandidateTimeout  time.Duration
	TimeSyncPeriod    time.Duration
	TimeSyncWeight    float64
	MaxRetries        int
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	DrainGrace        time.Duration
}

func DefaultTuning() Tuning {
	return Tuning{
		KeepalivePeriod:   time.Second,
		TimeoutMultiplier: 5,
		JoinTimeout:       10 * time.Second,
		CandidateTimeout:  8 * time.Second,
		TimeSyncPeriod:    time.Second,
		TimeSyncWeight:    0.75,
		MaxRetries:        8,
		BackoffMin:        100 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		DrainGrace:        500 * time.Millisecond,
	}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.KeepalivePeriod <= 0 {
		t.KeepalivePeriod = d.KeepalivePeriod
	}
	if t.TimeoutMultiplier <= 0 {
		t.TimeoutMultiplier = d.TimeoutMultiplier
	}
	if t.JoinTimeout <= 0 {
		t.JoinTimeout = d.JoinTimeout
	}
	if t.CandidateTimeout <= 0 {
		t.CandidateTimeout = d.CandidateTimeout
	}
	if t.TimeSyncPeriod <= 0 {
		t.TimeSyncPeriod = d.TimeSyncPeriod
	}
	if t.TimeSyncWeight <= 0 || t.TimeSyncWeight > 1 {
		t.TimeSyncWeight = d.TimeSyncWeight
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = d.MaxRetries
	}
	if t.BackoffMin <= 0 {
		t.BackoffMin = d.BackoffMin
	}
	if t.BackoffMax < t.BackoffMin {
		t.BackoffMax = max(d.BackoffMax, t.BackoffMin)
	}
	if t.DrainGrace <= 0 {
		t.DrainGrace = d.DrainGrace
	}
	return t
}

type VideoFormat struct {
	Codec       string
	Width       uint32
	Height      uint32
	RefreshRate uint32
}

type AudioFormat struct {
	Frequency uint32
	Channels  uint32
}

type Features struct {
	DriverInput bool
	Gamepad     bool
}

// Params is the mutable input to NewSessionConfig.
type Params struct {
	ClientID      ClientID
	RoomID        RoomID
	AuthToken     string
	SignalingURL  string
	Video         VideoFormat
	Audio         AudioFormat
	ReflexServers []string
	RelayServers  []string
	P2PUsername   string
	P2PPassword   string
	Features      Features
	Tuning        Tuning
}

// SessionConfig is the validated, read-only session configuration. It is
// built once and handed out by value; slices are copied on every read.
type SessionConfig struct {
	p Params
}

// NewSessionConfig validates p. A failure is a ConstructionError.
func NewSessionConfig(p Params) (SessionConfig, error) {
	if err := validate(p); err != nil {
		return SessionConfig{}, &ConstructionError{Reason: "session config", Err: err}
	}
	p.ReflexServers = slices.Clone(p.ReflexServers)
	p.RelayServers = slices.Clone(p.RelayServers)
	if p.Audio.Frequency == 0 {
		p.Audio.Frequency = 48000
	}
	if p.Audio.Channels == 0 {
		p.Audio.Channels = 2
	}
	if p.Video.RefreshRate == 0 {
		p.Video.RefreshRate = 60
	}
	p.Tuning = p.Tuning.withDefaults()
	return SessionConfig{p: p}, nil
}

func validate(p Params) error {
	switch {
	case len(p.ClientID) == 0:
		return ErrClientIDEmpty
	case len(p.ClientID) > MaxClientIDLen:
		return ErrClientIDTooLong
	case len(p.RoomID) == 0:
		return ErrRoomIDEmpty
	case len(p.RoomID) > MaxRoomIDLen:
		return ErrRoomIDTooLong
	case p.AuthToken == "":
		return ErrAuthTokenEmpty
	}
	u, err := url.Parse(p.SignalingURL)
	if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("%w: %q", ErrSignalingURL, p.SignalingURL)
	}
	if !slices.Contains(knownCodecs, p.Video.Codec) {
		return fmt.Errorf("%w: %q", ErrUnknownCodec, p.Video.Codec)
	}
	if p.Video.Width == 0 || p.Video.Height == 0 {
		return ErrBadResolution
	}
	return nil
}

func (c SessionConfig) ClientID() ClientID      { return c.p.ClientID }
func (c SessionConfig) RoomID() RoomID          { return c.p.RoomID }
func (c SessionConfig) AuthToken() string       { return c.p.AuthToken }
func (c SessionConfig) SignalingURL() string    { return c.p.SignalingURL }
func (c SessionConfig) Video() VideoFormat      { return c.p.Video }
func (c SessionConfig) Audio() AudioFormat      { return c.p.Audio }
func (c SessionConfig) Features() Features      { return c.p.Features }
func (c SessionConfig) Tuning() Tuning          { return c.p.Tuning }
func (c SessionConfig) ReflexServers() []string { return slices.Clone(c.p.ReflexServers) }
func (c SessionConfig) RelayServers() []string  { return slices.Clone(c.p.RelayServers) }

// P2PCredentials returns the relay (TURN) username and password.
func (c SessionConfig) P2PCredentials() (string, string) {
	return c.p.P2PUsername, c.p.P2PPassword
}
