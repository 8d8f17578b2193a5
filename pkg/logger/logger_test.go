package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestLogrusLevel(t *testing.T) {
	cases := map[zapcore.Level]logrus.Level{
		zapcore.DebugLevel:  logrus.DebugLevel,
		zapcore.InfoLevel:   logrus.InfoLevel,
		zapcore.WarnLevel:   logrus.WarnLevel,
		zapcore.ErrorLevel:  logrus.ErrorLevel,
		zapcore.DPanicLevel: logrus.FatalLevel,
		zapcore.FatalLevel:  logrus.FatalLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, LogrusLevel(in), in.String())
	}
}

func TestNewSetsLogrusLevel(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())

	l := New(Config{ServiceName: "test", Level: "warn", Dir: t.TempDir()})
	defer func() { _ = l.Sync() }()

	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	assert.True(t, l.Desugar().Core().Enabled(zapcore.WarnLevel))
	assert.False(t, l.Desugar().Core().Enabled(zapcore.InfoLevel))
}

func TestNewFallsBackToInfo(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())

	l := New(Config{ServiceName: "test", Level: "loud", Dir: t.TempDir(), Pretty: true})
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
	assert.True(t, l.Desugar().Core().Enabled(zapcore.InfoLevel))
}
