package config

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the host logger. An empty Filename logs to stderr.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"` // console or json
	Filename   string `toml:"filename"`
	MaxSize    int    `toml:"max-size"` // Megabytes before rotation
	MaxDays    int    `toml:"max-days"`
	MaxBackups int    `toml:"max-backups"`
}

// SetDefaultValues fills unset fields.
func (l *LogConfig) SetDefaultValues() {
	if l.Level == "" {
		l.Level = zapcore.InfoLevel.String()
	}
	if l.Format == "" {
		l.Format = "console"
	}
	if l.MaxSize == 0 {
		l.MaxSize = 64
	}
}

// NewLogger builds a zap logger from cfg.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	cfg.SetDefaultValues()

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}

	core := zapcore.NewCore(cfg.encoder(), cfg.syncer(), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.FatalLevel)), nil
}

func (l *LogConfig) encoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	if l.Format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	return zapcore.NewConsoleEncoder(ec)
}

func (l *LogConfig) syncer() zapcore.WriteSyncer {
	if l.Filename == "" {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   l.Filename,
		MaxSize:    l.MaxSize,
		MaxAge:     l.MaxDays,
		MaxBackups: l.MaxBackups,
		LocalTime:  true,
	})
}
