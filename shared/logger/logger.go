package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	global *zap.Logger
)

// Init builds the process-wide logger. env "local" gets the development
// config, anything else the production JSON config.
func Init(serviceName, env string) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)

	if env == "local" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}

	log = log.With(zap.String("service", serviceName))

	mu.Lock()
	global = log
	mu.Unlock()

	return log, nil
}

// L returns the global logger, falling back to a no-op logger before Init.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()

	if global == nil {
		return zap.NewNop()
	}
	return global
}

// Sync flushes buffered log entries
func Sync() {
	mu.RLock()
	defer mu.RUnlock()

	if global != nil {
		_ = global.Sync()
	}
}
