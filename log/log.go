//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package log provides the structured logger used by the pipeline engine.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log level constants
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelFatal = "fatal"
)

var zapLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// Default borrows logging utilities from zap.
// It can be replaced by any implementation of Logger.
var Default Logger = &sugared{s: newZap(zapcore.NewConsoleEncoder(encoderConfig)).Sugar()}

func newZap(enc zapcore.Encoder) *zap.Logger {
	return zap.New(
		zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), zapLevel),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	)
}

// UseJSON switches Default to a JSON encoder, used by the daemon.
func UseJSON() {
	cfg := encoderConfig
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	Default = &sugared{s: newZap(zapcore.NewJSONEncoder(cfg)).Sugar()}
}

// SetLevel sets the log level to the specified level.
// Valid levels are: "debug", "info", "warn", "error", "fatal"
func SetLevel(level string) {
	switch level {
	case LevelDebug:
		zapLevel.SetLevel(zapcore.DebugLevel)
	case LevelInfo:
		zapLevel.SetLevel(zapcore.InfoLevel)
	case LevelWarn:
		zapLevel.SetLevel(zapcore.WarnLevel)
	case LevelError:
		zapLevel.SetLevel(zapcore.ErrorLevel)
	case LevelFatal:
		zapLevel.SetLevel(zapcore.FatalLevel)
	default:
		zapLevel.SetLevel(zapcore.InfoLevel)
	}
}

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "lvl",
	NameKey:        "name",
	CallerKey:      "caller",
	MessageKey:     "message",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalColorLevelEncoder,
	EncodeTime:     zapcore.RFC3339TimeEncoder,
	EncodeDuration: zapcore.SecondsDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// Logger defines the logging interface used throughout the engine.
type Logger interface {
	// Debugf logs to DEBUG log. Arguments are handled in the manner of fmt.Printf.
	Debugf(format string, args ...any)
	// Infof logs to INFO log. Arguments are handled in the manner of fmt.Printf.
	Infof(format string, args ...any)
	// Warnf logs to WARNING log. Arguments are handled in the manner of fmt.Printf.
	Warnf(format string, args ...any)
	// Errorf logs to ERROR log. Arguments are handled in the manner of fmt.Printf.
	Errorf(format string, args ...any)
	// Fatalf logs to FATAL log and exits. Arguments are handled in the manner of fmt.Printf.
	Fatalf(format string, args ...any)
	// With returns a Logger that attaches the given key/value pairs to every entry.
	With(keysAndValues ...any) Logger
}

type sugared struct {
	s *zap.SugaredLogger
}

func (l *sugared) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *sugared) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *sugared) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *sugared) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
func (l *sugared) Fatalf(format string, args ...any) { l.s.Fatalf(format, args...) }

func (l *sugared) With(keysAndValues ...any) Logger {
	return &sugared{s: l.s.With(keysAndValues...)}
}

// With returns a child of Default carrying the given fields.
// Engine code passes ambiance fields here so that every line of a node's
// lifecycle can be correlated.
func With(keysAndValues ...any) Logger {
	return Default.With(keysAndValues...)
}

// Debugf logs to DEBUG log. Arguments are handled in the manner of fmt.Printf.
func Debugf(format string, args ...any) {
	Default.Debugf(format, args...)
}

// Infof logs to INFO log. Arguments are handled in the manner of fmt.Printf.
func Infof(format string, args ...any) {
	Default.Infof(format, args...)
}

// Warnf logs to WARNING log. Arguments are handled in the manner of fmt.Printf.
func Warnf(format string, args ...any) {
	Default.Warnf(format, args...)
}

// Errorf logs to ERROR log. Arguments are handled in the manner of fmt.Printf.
func Errorf(format string, args ...any) {
	Default.Errorf(format, args...)
}

// Fatalf logs to FATAL log. Arguments are handled in the manner of fmt.Printf.
func Fatalf(format string, args ...any) {
	Default.Fatalf(format, args...)
}
