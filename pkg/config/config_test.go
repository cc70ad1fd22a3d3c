package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 60*time.Second, cfg.PollInterval())
	assert.Equal(t, 15*time.Minute, cfg.RecoveryTokenDuration())
	assert.NotEmpty(t, cfg.InstanceUUID)
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "127.0.0.1:9090"
poll_interval: 5
recovery_token_duration: 30
instance_uuid: "15966912-8fad-41cd-bd82-abe6468354b5"
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.RecoveryTokenDuration())
	assert.Equal(t, "15966912-8fad-41cd-bd82-abe6468354b5", cfg.InstanceUUID)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().HistoryDurationSecs, cfg.HistoryDurationSecs)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero poll interval", "poll_interval: 0"},
		{"negative token duration", "recovery_token_duration: -1"},
		{"bad instance uuid", `instance_uuid: "not-a-uuid"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "escrowd.yml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
