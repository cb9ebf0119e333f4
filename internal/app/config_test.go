package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"APP_ENV", "HTTP_ADDR", "MAX_PLAYERS", "ROOM_TTL", "CORS_ALLOW", "DATABASE_URL"} {
		t.Setenv(k, "")
	}
	cfg := LoadConfig()
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, ":1235", cfg.HTTPAddr)
	assert.Equal(t, 8, cfg.MaxPlayers)
	assert.Equal(t, 2*time.Hour, cfg.RoomTTL)
	assert.Equal(t, []string{"*"}, cfg.CORSAllow)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("MAX_PLAYERS", "4")
	t.Setenv("ROOM_TTL", "30m")
	t.Setenv("ORIGIN_PATTERNS", " example.com , *.example.org ,")
	cfg := LoadConfig()
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, 4, cfg.MaxPlayers)
	assert.Equal(t, 30*time.Minute, cfg.RoomTTL)
	assert.Equal(t, []string{"example.com", "*.example.org"}, cfg.OriginPatterns)
}

func TestLoadConfig_BadValuesFallBack(t *testing.T) {
	t.Setenv("MAX_PLAYERS", "-3")
	t.Setenv("ROOM_TTL", "soon")
	cfg := LoadConfig()
	assert.Equal(t, 8, cfg.MaxPlayers)
	assert.Equal(t, 2*time.Hour, cfg.RoomTTL)
}

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"prod", "dev"} {
		log, err := NewLogger(env)
		require.NoError(t, err)
		assert.NotNil(t, log)
	}
}
