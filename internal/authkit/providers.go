package authkit

import (
	"sync"

	"go.uber.org/zap"
)

var (
	providerMutex         sync.RWMutex
	providedClock         Clock
	providedLogger        *zap.Logger
	providedMetrics       MetricsRecorder
	providedGoogleChecker GoogleTokenValidator
)

// ProvideClock installs the process-wide clock; nil restores the system clock.
func ProvideClock(clock Clock) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedClock = clock
}

// ProvideLogger installs the process-wide logger; nil restores a no-op logger.
func ProvideLogger(logger *zap.Logger) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedLogger = logger
}

// ProvideMetrics installs the process-wide metrics recorder.
func ProvideMetrics(recorder MetricsRecorder) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedMetrics = recorder
}

// ProvideGoogleTokenValidator installs the Google ID-token validator.
func ProvideGoogleTokenValidator(validator GoogleTokenValidator) {
	providerMutex.Lock()
	defer providerMutex.Unlock()
	providedGoogleChecker = validator
}

func activeClock() Clock {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	if providedClock == nil {
		return systemClock{}
	}
	return providedClock
}

func activeLogger() *zap.Logger {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	if providedLogger == nil {
		return zap.NewNop()
	}
	return providedLogger
}

func activeMetrics() MetricsRecorder {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	if providedMetrics == nil {
		return noopMetrics{}
	}
	return providedMetrics
}

func activeGoogleTokenValidator() GoogleTokenValidator {
	providerMutex.RLock()
	defer providerMutex.RUnlock()
	return providedGoogleChecker
}
