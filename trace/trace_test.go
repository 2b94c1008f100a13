package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) (*Sink, *logrus.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return NewSink(logger), logger, &buf
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		in      string
		want    Filter
		wantErr bool
	}{
		{"", FilterNone, false},
		{"none", FilterNone, false},
		{"warning,error", FilterWarning | FilterError, false},
		{"Info, Debug", FilterInfo | FilterDebug, false},
		{"all", FilterAll, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFilter(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterMasksLevels(t *testing.T) {
	sink, logger, buf := newTestSink(t)
	sink.SetFilter(FilterWarning | FilterDebug)

	logger.Debug("debug entry")
	logger.Info("info entry")
	logger.Warn("warn entry")
	logger.Error("error entry")

	out := buf.String()
	assert.Contains(t, out, "debug entry")
	assert.NotContains(t, out, "info entry")
	assert.Contains(t, out, "warn entry")
	assert.NotContains(t, out, "error entry")
	assert.Equal(t, FilterWarning|FilterDebug, sink.Filter())

	buf.Reset()
	sink.SetFilter(FilterNone)
	logger.Error("silenced")
	assert.Empty(t, buf.String())
}

func TestCallback(t *testing.T) {
	sink, logger, _ := newTestSink(t)
	sink.SetFilter(FilterAll)

	type got struct {
		level Filter
		msg   string
	}
	var entries []got
	sink.SetCallback(func(level Filter, msg string) {
		entries = append(entries, got{level, msg})
	})
	logger.Info("hello")
	logger.Warn("careful")
	sink.SetCallback(nil)
	logger.Info("ignored")

	assert.Equal(t, []got{{FilterInfo, "hello"}, {FilterWarning, "careful"}}, entries)
}

func TestSetFile(t *testing.T) {
	sink, logger, buf := newTestSink(t)
	path := filepath.Join(t.TempDir(), "trace.log")

	require.NoError(t, sink.SetFile(path))
	logger.Warn("to file")
	require.NoError(t, sink.SetFile(""))
	logger.Warn("to buffer")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.NotContains(t, string(data), "to buffer")
	assert.Contains(t, buf.String(), "to buffer")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm()&0o644)

	require.NoError(t, sink.SetFile(path))
	logger.Error("appended")
	require.NoError(t, sink.Close())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.Contains(t, string(data), "appended")

	assert.Error(t, sink.SetFile(filepath.Join(t.TempDir(), "missing", "trace.log")))
}
