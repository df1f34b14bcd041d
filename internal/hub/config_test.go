package hub

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJson_OverlaysOnlyPresentFields(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempJSON(t, map[string]any{
		"relay_url":             "ws://relay.example:3001/channel",
		"mac_address":           "112233445566",
		"reconnect_backoff_max": "30s",
	})
	os.Args = []string{"testbin", "-config", path}

	cfg := &Config{}
	cfg.LoadDefaults()
	cfg.UseHTTPS = true
	parseJson(cfg)

	assert.Equal(t, "ws://relay.example:3001/channel", cfg.RelayURL)
	assert.Equal(t, "112233445566", cfg.MacAddress)
	assert.Equal(t, 30*time.Second, cfg.ReconnectBackoffMax)
	// Fields absent from the file keep their prior values, use_https
	// included.
	assert.Equal(t, ":3000", cfg.EndpointAddr)
	assert.Equal(t, SessionStorePostgres, cfg.SessionStore)
	assert.True(t, cfg.UseHTTPS)
}

func Test_parseJson_UseHTTPSOverridesWhenPresent(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempJSON(t, map[string]any{"use_https": true})
	os.Args = []string{"testbin", "-config", path}

	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)

	assert.True(t, cfg.UseHTTPS)
}

func Test_parseJson_NoConfigFlagIsNoop(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	os.Args = []string{"testbin"}

	cfg := &Config{}
	cfg.LoadDefaults()
	before := *cfg
	parseJson(cfg)

	assert.Equal(t, before, *cfg)
}
