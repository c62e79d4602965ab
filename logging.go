// Copyright 2020 The Nivlheim Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nivlheim

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/DeRuina/timberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// BuildLogger constructs the process logger from the log config.
// Logging goes to stderr with a human-readable encoder when stderr is
// an interactive terminal, and as JSON otherwise. When an output file
// is configured, it is rotated in place by size.
func (cfg *Config) BuildLogger() (*zap.Logger, error) {
	level, err := parseLevel(cfg.Logs.Level)
	if err != nil {
		return nil, err
	}

	var ws zapcore.WriteSyncer
	var enc zapcore.Encoder
	if cfg.Logs.Output == "" {
		ws = zapcore.Lock(os.Stderr)
		enc = newDefaultLogEncoder(true)
	} else {
		maxSize := cfg.Logs.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		ws = zapcore.AddSync(&timberjack.Logger{
			Filename:   cfg.Logs.Output,
			MaxSize:    maxSize,
			MaxBackups: cfg.Logs.MaxBackups,
		})
		enc = newDefaultLogEncoder(false)
	}

	logger := zap.New(zapcore.NewCore(enc, ws, level))

	// capture logs from libraries which may not use zap directly
	_ = zap.RedirectStdLog(logger)

	return logger, nil
}

func newDefaultLogEncoder(stderr bool) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	if stderr && term.IsTerminal(int(os.Stderr.Fd())) {
		// if interactive terminal, make output more human-readable by default
		encCfg.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
			encoder.AppendString(ts.UTC().Format("2006/01/02 15:04:05.000"))
		}
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}

func parseLevel(levelInput string) (zapcore.LevelEnabler, error) {
	switch strings.ToLower(levelInput) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return nil, fmt.Errorf("unrecognized log level: %s", levelInput)
	}
}
