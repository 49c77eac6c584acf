package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/Desk/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
mode: debug
session:
  room_id: room-1
  auth_token: secret
  signaling_url: wss://relay.example.org/ws
  codec: h265
  width: 2560
  height: 1440
  relay_servers: ["turn:turn.example.org:3478"]
  p2p_username: u
  p2p_password: p
  tuning:
    keepalive_period: 250ms
    max_retries: 3
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFileAndDefaults(t *testing.T) {
	cfg, err := load(writeConfig(t, sample), nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 64, cfg.MediaQueueDepth)
	assert.Equal(t, "room-1", cfg.Session.RoomID)
	assert.Equal(t, uint32(60), cfg.Session.RefreshRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.Tuning.KeepalivePeriod)
	assert.Equal(t, domain.DefaultTuning().JoinTimeout, cfg.Session.Tuning.JoinTimeout)

	_, err = uuid.Parse(cfg.Session.ClientID)
	assert.NoError(t, err, "empty client id gets a random uuid")

	sc, err := NewStore(cfg).Load()
	require.NoError(t, err)
	assert.Equal(t, "h265", sc.Video().Codec)
	assert.Equal(t, 3, sc.Tuning().MaxRetries)
	user, pass := sc.P2PCredentials()
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)
}

func TestEnvAndFlagsOverride(t *testing.T) {
	t.Setenv("DESK_SESSION_AUTH_TOKEN", "from-env")
	t.Setenv("DESK_SESSION_ROOM_ID", "env-room")

	fs := Flags()
	require.NoError(t, fs.Parse([]string{"--room", "flag-room", "--client-id", "me"}))

	cfg, err := load(writeConfig(t, sample), fs)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Session.AuthToken)
	assert.Equal(t, "flag-room", cfg.Session.RoomID)
	assert.Equal(t, "me", cfg.Session.ClientID)
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, "h264", cfg.Session.Codec)

	_, err = NewStore(cfg).Load()
	var ce *domain.ConstructionError
	assert.ErrorAs(t, err, &ce, "no room or token configured")
}

func TestStoreWithoutConfig(t *testing.T) {
	_, err := NewStore(nil).Load()
	var ce *domain.ConstructionError
	assert.ErrorAs(t, err, &ce)
}
