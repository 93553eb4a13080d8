package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	hooktest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zsiec/doorway/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *config.LoggingConfig
		wantErr bool
		check   func(t *testing.T, log *logrus.Logger)
	}{
		{
			name:   "json format stdout",
			config: &config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			check: func(t *testing.T, log *logrus.Logger) {
				assert.Equal(t, logrus.InfoLevel, log.Level)
				_, ok := log.Formatter.(*logrus.JSONFormatter)
				assert.True(t, ok)
			},
		},
		{
			name:   "text format stderr",
			config: &config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"},
			check: func(t *testing.T, log *logrus.Logger) {
				assert.Equal(t, logrus.DebugLevel, log.Level)
				_, ok := log.Formatter.(*logrus.TextFormatter)
				assert.True(t, ok)
			},
		},
		{
			name: "file output",
			config: &config.LoggingConfig{
				Level:      "warn",
				Format:     "json",
				Output:     filepath.Join(t.TempDir(), "nested", "doorway.log"),
				MaxSize:    10,
				MaxBackups: 3,
				MaxAge:     7,
			},
			check: func(t *testing.T, log *logrus.Logger) {
				assert.Equal(t, logrus.WarnLevel, log.Level)
			},
		},
		{
			name:    "invalid log level",
			config:  &config.LoggingConfig{Level: "invalid", Format: "json", Output: "stdout"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, log)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, log)
			}
		})
	}
}

func TestFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "doorway.log")

	log, err := New(&config.LoggingConfig{
		Level:      "info",
		Format:     "text",
		Output:     logFile,
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
	})
	require.NoError(t, err)

	log.Info("Test log message")

	_, err = os.Stat(logFile)
	assert.NoError(t, err)
}

func TestServiceFields(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	log := WithSession(WithAccessory(WithComponent(Service(base), "stream"), "front-door"), "sess-1")
	log.Info("Session started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "doorway", entry["service"])
	assert.NotEmpty(t, entry["version"])
	assert.Equal(t, "stream", entry["component"])
	assert.Equal(t, "front-door", entry["accessory"])
	assert.Equal(t, "sess-1", entry["session_id"])
	assert.Equal(t, "Session started", entry["msg"])
}

func TestLogrusAdapter(t *testing.T) {
	base, hook := hooktest.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	log := NewLogrusAdapter(logrus.NewEntry(base))

	t.Run("levels", func(t *testing.T) {
		hook.Reset()
		log.Debug("d")
		log.Info("i")
		log.Warn("w")
		log.Error("e")
		log.Log(logrus.InfoLevel, "l")

		entries := hook.AllEntries()
		require.Len(t, entries, 5)
		assert.Equal(t, logrus.DebugLevel, entries[0].Level)
		assert.Equal(t, logrus.InfoLevel, entries[1].Level)
		assert.Equal(t, logrus.WarnLevel, entries[2].Level)
		assert.Equal(t, logrus.ErrorLevel, entries[3].Level)
		assert.Equal(t, "l", entries[4].Message)
	})

	t.Run("formatted", func(t *testing.T) {
		hook.Reset()
		log.Warnf("port %d busy", 5000)
		assert.Equal(t, "port 5000 busy", hook.LastEntry().Message)
	})

	t.Run("fields are immutable", func(t *testing.T) {
		hook.Reset()
		child := log.WithField("accessory", "a")
		child.WithError(assert.AnError).Error("failed")
		log.Info("parent")

		entries := hook.AllEntries()
		require.Len(t, entries, 2)
		assert.Equal(t, "a", entries[0].Data["accessory"])
		assert.Equal(t, assert.AnError, entries[0].Data[logrus.ErrorKey])
		assert.NotContains(t, entries[1].Data, "accessory")
	})

	t.Run("fatal exits", func(t *testing.T) {
		exitCode := 0
		base.ExitFunc = func(code int) { exitCode = code }
		log.Fatal("boom")
		assert.Equal(t, 1, exitCode)
	})
}

func TestNullLogger(t *testing.T) {
	log := NewNullLogger()
	assert.NotPanics(t, func() {
		log.WithField("k", "v").WithError(assert.AnError).Error("ignored")
		log.Fatal("does not exit")
	})

	assert.IsType(t, &NullLogger{}, OrNull(nil))
	assert.Same(t, log, OrNull(log))
}
