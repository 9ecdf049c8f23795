// Package logger is the process-wide structured logger. Warn and Error
// additionally fan out to the configured error-tracking provider, so call
// sites report once and reach both sinks.
package logger

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/relapi/engine/pkg/errortracking"
	"go.uber.org/zap"
)

var Logger *zap.SugaredLogger
var errorTracker errortracking.Provider

// Init builds the logger from zap's development or production preset.
func Init(dev bool) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		UpdateLogger(&cfg)
	} else {
		cfg := zap.NewProductionConfig()
		UpdateLogger(&cfg)
	}
}

// UpdateLoggerPath rebuilds the logger writing to path.
func UpdateLoggerPath(path string, dev bool) {
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{path}
	UpdateLogger(&cfg)
}

// UpdateLogger swaps the process logger for one built from config; nil
// falls back to a production config writing to engine.log.
func UpdateLogger(config *zap.Config) {
	defaultConfig := zap.NewProductionConfig()
	defaultConfig.OutputPaths = []string{"engine.log"}
	if config == nil {
		config = &defaultConfig
	}

	built, err := config.Build()
	if err != nil {
		log.Print(err)
		return
	}

	Logger = built.Sugar()
	Info("engine logger initialized")
}

// Sync flushes any buffered log entries. Called from the graceful shutdown
// path so entries written during drain aren't lost if the process exits
// immediately after. Safe to call with no logger initialized.
func Sync() error {
	if Logger == nil {
		return nil
	}
	// zap.SugaredLogger.Sync returns an error on some platforms (e.g. when
	// stderr is a non-syncable terminal); that's expected, not a failure
	// worth surfacing to the caller as anything other than a warning.
	if err := Logger.Sync(); err != nil {
		log.Printf("logger sync: %v", err)
	}
	return nil
}

// InitErrorTracking attaches the provider Warn/Error/HandlePanic fan out
// to.
func InitErrorTracking(provider errortracking.Provider) {
	errorTracker = provider
	if errorTracker != nil {
		Info("error tracking initialized")
	}
}

// GetErrorTracker returns the attached provider, or nil.
func GetErrorTracker() errortracking.Provider {
	return errorTracker
}

// CloseErrorTracking flushes and closes the attached provider.
func CloseErrorTracking() error {
	if errorTracker != nil {
		errorTracker.Flush(5)
		return errorTracker.Close()
	}
	return nil
}

// capture forwards a message to the error tracker when one is attached.
func capture(message string, severity errortracking.Severity) {
	if errorTracker == nil {
		return
	}
	errorTracker.CaptureMessage(context.Background(), message, severity, map[string]interface{}{
		"process_id": os.Getpid(),
	})
}

func Info(template string, args ...interface{}) {
	if Logger == nil {
		log.Printf(template, args...)
		return
	}
	Logger.Infow(fmt.Sprintf(template, args...), "process_id", os.Getpid())
}

func Debug(template string, args ...interface{}) {
	if Logger == nil {
		log.Printf(template, args...)
		return
	}
	Logger.Debugw(fmt.Sprintf(template, args...), "process_id", os.Getpid())
}

func Warn(template string, args ...interface{}) {
	message := fmt.Sprintf(template, args...)
	if Logger == nil {
		log.Printf("%s", message)
	} else {
		Logger.Warnw(message, "process_id", os.Getpid())
	}
	capture(message, errortracking.SeverityWarning)
}

func Error(template string, args ...interface{}) {
	message := fmt.Sprintf(template, args...)
	if Logger == nil {
		log.Printf("%s", message)
	} else {
		Logger.Errorw(message, "process_id", os.Getpid())
	}
	capture(message, errortracking.SeverityError)
}

// HandlePanic logs a recovered panic with its stack, reports it to the
// error tracker, and returns it as an error. Call it with the result of
// recover() from a deferred function:
//
//	defer func() {
//	    if r := recover(); r != nil {
//	        err = logger.HandlePanic("MethodName", r)
//	    }
//	}()
func HandlePanic(methodName string, r any) error {
	stack := debug.Stack()
	Error("Panic in %s: %v\nStack trace:\n%s", methodName, r, string(stack))

	if errorTracker != nil {
		errorTracker.CapturePanic(context.Background(), r, stack, map[string]interface{}{
			"method":     methodName,
			"process_id": os.Getpid(),
		})
	}

	return fmt.Errorf("panic in %s: %v", methodName, r)
}
