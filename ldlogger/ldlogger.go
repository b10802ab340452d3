// Package ldlogger is the logging package for the LabDesk backend services.
// It wraps a zap logger that tees output between the console and, on deployed
// environments, Sentry and Logz.io. Import it as `logger` so call sites read
// like the standard library.
package ldlogger // import "github.com/collabsec/labdesk/backend/services/ldlogger"

import (
	"context"
	"os"
	"runtime/debug"

	"github.com/collabsec/labdesk/backend/services/metadata"
	"github.com/collabsec/labdesk/backend/services/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	logger = zap.New(consoleCore())
}

// usingProdLogging returns true when logs should be shipped to Sentry and
// Logz.io in addition to the console.
func usingProdLogging() bool {
	return !metadata.IsLocalEnv() && !metadata.IsRunningInCI()
}

// consoleCore builds the tee of console cores: high-priority output goes to
// standard error, low-priority output goes to standard out.
func consoleCore() zapcore.Core {
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel
	})

	consoleDebugging := zapcore.Lock(os.Stdout)
	consoleErrors := zapcore.Lock(os.Stderr)

	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()

	// Enable colored output on stdout
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)

	return zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, consoleErrors, highPriority),
		zapcore.NewCore(consoleEncoder, consoleDebugging, lowPriority),
	)
}

// InitVMServiceLogging rebuilds the global logger with the Sentry and Logz.io
// cores attached. Call it as close as possible to the top of main, before any
// other setup work that might need to log.
func InitVMServiceLogging() {
	cores := []zapcore.Core{consoleCore()}

	if usingProdLogging() {
		highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= zapcore.ErrorLevel
		})
		allPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return true
		})

		encoder := zapcore.NewJSONEncoder(newShippingEncoderConfig())

		if sentry := newSentryCore(encoder.Clone(), highPriority); sentry != nil {
			cores = append(cores, sentry)
		}
		if logzio := newLogzioCore(encoder.Clone(), allPriority); logzio != nil {
			cores = append(cores, logzio)
		}
	}

	logger = zap.New(zapcore.NewTee(cores...))
}

// newShippingEncoderConfig returns an encoder configuration that is
// appropriate for the Sentry and Logz.io cores.
func newShippingEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "type",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.EpochTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// Close flushes all production logging (i.e. Sentry and Logz.io). Call it
// before the process terminates.
func Close() {
	logger.Sync()
}

// Sync flushes any buffered log entries.
func Sync() error {
	return logger.Sync()
}

// Info logs some info + timestamp, but does not send it to Sentry.
func Info(v ...interface{}) {
	logger.Sugar().Info(v...)
}

// Infof is identical to Info, but it respects printf syntax.
func Infof(format string, v ...interface{}) {
	logger.Sugar().Infof(format, v...)
}

// Error logs an error and sends it to Sentry.
func Error(err error) {
	logger.Sugar().Error(err)
}

// Errorf is like Error, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Errorf(format string, v ...interface{}) {
	logger.Sugar().Errorf(format, v...)
}

// Warning logs an error like Error, but doesn't send it to Sentry.
func Warning(err error) {
	logger.Sugar().Warn(err)
}

// Warningf is like Warning, but it respects printf syntax.
func Warningf(format string, v ...interface{}) {
	logger.Sugar().Warnf(format, v...)
}

// Panic sends an error to Sentry and "pretends" to panic on it by printing
// the stack trace and calling the provided global context-cancelling
// function. This causes all the goroutines in the program to kill themselves
// (cleanly). This function should not be used except to initiate termination
// of the entire service. Note that passing in a nil `globalCancel` parameter
// will just panic on `err` instead.
func Panic(globalCancel context.CancelFunc, err error) {
	PrintStackTrace()

	if globalCancel != nil {
		Error(err)
		globalCancel()
	} else {
		// If we're truly trying to panic, let's at least flush our logging
		// queues first so this error actually gets sent.
		logger.Sync()
		logger.Sugar().Panic(err)
	}
}

// Panicf is like Panic, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Panicf(globalCancel context.CancelFunc, format string, v ...interface{}) {
	Panic(globalCancel, utils.MakeError(format, v...))
}

// PrintStackTrace prints the stack trace, for debugging purposes.
func PrintStackTrace() {
	Info("Printing stack trace: ")
	debug.PrintStack()
}
