// Copyright 2022 Basalt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logutil owns the engine-wide zap logger. All packages log through
// it so that a query's output can be filtered by the query_id field.
package logutil

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var global atomic.Value

func init() {
	logger, _ := zap.NewProduction(zap.AddStacktrace(zapcore.FatalLevel))
	global.Store(logger)
}

// Setup replaces the global logger with one at the given level. Filename
// == "" logs to stderr only.
func Setup(level string, filename string) error {
	lv := zapcore.InfoLevel
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	var sink zapcore.WriteSyncer
	if filename != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   filename,
			MaxSize:    512, // MB
			MaxBackups: 10,
		})
	} else {
		sink, _, _ = zap.Open("stderr")
	}

	core := zapcore.NewCore(enc, sink, lv)
	global.Store(zap.New(core, zap.AddStacktrace(zapcore.FatalLevel)))
	return nil
}

// GetLogger returns the global logger.
func GetLogger() *zap.Logger {
	return global.Load().(*zap.Logger)
}

// Adjust returns logger if it is not nil, otherwise the global logger with
// the given fields attached.
func Adjust(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger != nil {
		return logger
	}
	return GetLogger().With(fields...)
}

func Debug(msg string, fields ...zap.Field) { GetLogger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetLogger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetLogger().Error(msg, fields...) }

func Debugf(format string, args ...interface{}) { GetLogger().Sugar().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetLogger().Sugar().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetLogger().Sugar().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetLogger().Sugar().Errorf(format, args...) }
