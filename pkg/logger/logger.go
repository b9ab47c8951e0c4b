package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log   *zap.Logger
	sugar *zap.SugaredLogger
)

// Init builds the process-wide logger. Dev gets colored console output;
// every other environment logs production JSON with ISO-8601 timestamps.
// An unparseable level keeps the config's default rather than failing.
func Init(service, env, level string) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if env == "dev" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	base, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		panic("logger init: " + err.Error())
	}

	log = base.With(zap.String("service", service))
	sugar = log.Sugar()
	sugar.Infow("logger initialized", "env", env, "level", level)
}

// L returns the structured logger for hot paths. Falls back to dev defaults
// when Init has not run (tests, tooling).
func L() *zap.Logger {
	if log == nil {
		Init("auction-engine", "dev", "info")
	}
	return log
}

// S returns the sugared logger.
func S() *zap.SugaredLogger {
	if sugar == nil {
		Init("auction-engine", "dev", "info")
	}
	return sugar
}

// Sync flushes buffered entries; defer it in main.
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
