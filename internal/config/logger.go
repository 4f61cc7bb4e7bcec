package config

import (
	"go.uber.org/zap"

	"github.com/dreamware/shardmeta/internal/errcode"
)

// NewLogger builds the process logger. Production config writes JSON; the
// development config writes console output with stack traces on warnings.
func (l LoggingConfig) NewLogger(name string) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, errcode.Wrap(errcode.BadValue, err, "logging.level")
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(name), nil
}
