package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/gacomm-go/comm"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gacomm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	f, err := Load("", Options{})
	require.NoError(t, err)
	require.Equal(t, 2, f.Ranks)

	cfg, err := f.Comm()
	require.NoError(t, err)
	require.Equal(t, comm.DefaultSegmentQueueCapacity, cfg.SegmentQueueCapacity)
	require.Equal(t, comm.DefaultPayloadCapacity, cfg.PayloadCapacity)
	require.Equal(t, comm.ThreadSingle, cfg.ThreadMode)
	require.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestLoadFileEnvAndOptions(t *testing.T) {
	path := writeFile(t, `
ranks: 4
thread_mode: multiple
queues:
  segment: 8
  channel: 2
channel:
  payload_capacity: 64
  receive_window: 4
`)
	t.Setenv("GACOMM_CHANNEL_SEND_WINDOW", "3")
	t.Setenv("GACOMM_QUEUES_CHANNEL", "6")

	f, err := Load(path, Options{Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, 4, f.Ranks)

	cfg, err := f.Comm()
	require.NoError(t, err)
	require.Equal(t, comm.ThreadMultiple, cfg.ThreadMode)
	require.Equal(t, 8, cfg.SegmentQueueCapacity)
	require.Equal(t, 6, cfg.ChannelQueueCapacity)
	require.Equal(t, comm.ChannelParams{PayloadCapacity: 64, ReceiveWindow: 4, SendWindow: 3}, cfg.ChannelParams())
	require.Equal(t, time.Second, cfg.Timeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"ranks":       "ranks: 0\n",
		"thread mode": "thread_mode: funneled\n",
		"window":      "channel:\n  receive_window: -1\n",
		"queue":       "queues:\n  segment: -4\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body), Options{})
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Options{})
	require.Error(t, err)
}
