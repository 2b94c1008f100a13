package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Millisecond, cfg.ProcessInterval)
	assert.Equal(t, 1500, cfg.Channel.MTU)
	assert.Equal(t, "compound", cfg.Channel.RTCPMode)
	assert.Equal(t, KeyFramePLI, cfg.Channel.KeyFrameMethod)
	assert.Equal(t, 400, cfg.Channel.NACKHistory)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
process_interval: 10ms
max_channels: 4
channel:
  mtu: 1200
  rtcp_mode: reduced-size
  key_frame_method: fir
rate_control:
  backoff: 3s
trace:
  filter: all
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, cfg.ProcessInterval)
	assert.Equal(t, 4, cfg.MaxChannels)
	assert.Equal(t, 1200, cfg.Channel.MTU)
	assert.Equal(t, "reduced-size", cfg.Channel.RTCPMode)
	assert.Equal(t, KeyFrameFIR, cfg.Channel.KeyFrameMethod)
	assert.Equal(t, 3*time.Second, cfg.RateControl.BackoffDuration)
	assert.Equal(t, 0.85, cfg.RateControl.DecreaseMultiplier, "unset fields keep defaults")
	assert.Equal(t, 400, cfg.Channel.NACKHistory)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"syntax", "channel: [\n"},
		{"mtu too small", "channel:\n  mtu: 200\n"},
		{"mtu too large", "channel:\n  mtu: 9000\n"},
		{"rtcp mode", "channel:\n  rtcp_mode: sometimes\n"},
		{"key frame method", "channel:\n  key_frame_method: sli\n"},
		{"interval", "process_interval: 1s\n"},
		{"cpu threshold", "cpu_alarm_threshold: 150\n"},
		{"loss thresholds", "rate_control:\n  good_loss: 0.5\n  poor_loss: 0.1\n"},
		{"trace filter", "trace:\n  filter: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
