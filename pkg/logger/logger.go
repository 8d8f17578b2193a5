package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	ServiceName string `yaml:"service_name" env:"LOGGER_SERVICE_NAME" env-default:"vpngate" env-description:"Service name"`
	Level       string `yaml:"level" env:"LOGGER_LEVEL" env-default:"info" env-description:"Log level [debug, info, warn, error]"`
	Pretty      bool   `yaml:"pretty" env:"LOGGER_PRETTY" env-default:"true" env-description:"Enables human readable logging. Otherwise, uses json output"`
	Dir         string `yaml:"dir" env:"LOGGER_DIR" env-default:"logs" env-description:"Directory of the rotated log files"`
}

// New builds the command line logger. It writes to stdout and to a rotated
// file, and points logrus at the same file so runtime packages end up in
// one log.
func New(cfg Config) *zap.SugaredLogger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	encoder := getEncoder(cfg.Pretty)
	fileWriter := getLogWriter(cfg)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(fileWriter), atomicLevel),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), atomicLevel),
	)

	configureLogrus(level, cfg.Pretty, io.MultiWriter(os.Stderr, fileWriter))

	return zap.New(core, zap.AddCaller()).Sugar()
}

func getEncoder(pretty bool) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
	}
	if !pretty {
		return zapcore.NewJSONEncoder(encoderConfig)
	}
	encoderConfig.EncodeLevel = CustomLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func getLogWriter(cfg Config) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, cfg.ServiceName+".log"),
		MaxSize:    200, // MB
		MaxBackups: 30,
		MaxAge:     90, // days
		Compress:   true,
	}
}

func configureLogrus(level zapcore.Level, pretty bool, out io.Writer) {
	logrus.SetOutput(out)
	logrus.SetLevel(LogrusLevel(level))
	if pretty {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}

// LogrusLevel maps a zap level onto the closest logrus level.
func LogrusLevel(level zapcore.Level) logrus.Level {
	switch {
	case level <= zapcore.DebugLevel:
		return logrus.DebugLevel
	case level == zapcore.InfoLevel:
		return logrus.InfoLevel
	case level == zapcore.WarnLevel:
		return logrus.WarnLevel
	case level == zapcore.ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.FatalLevel
	}
}

func CustomLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + getIcon(level) + level.CapitalString() + "]")
}

func getIcon(lvl zapcore.Level) string {
	switch lvl {
	case zapcore.InfoLevel:
		return "🔵 "
	case zapcore.DebugLevel:
		return "🟢 "
	case zapcore.WarnLevel:
		return "🟡️ "
	case zapcore.ErrorLevel:
		return "🔴 "
	case zapcore.FatalLevel, zapcore.PanicLevel:
		return "⚫ "
	default:
		return ""
	}
}
