package logging_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atlas-desktop/backtest-engine/pkg/logging"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "backtest.log")

	logger, err := logging.New(types.LoggingConfig{Level: "warn", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("rebalance skipped", zap.String("ticker", "AAPL"))
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	out := string(raw)
	if strings.Contains(out, "hidden") {
		t.Error("Info line should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"rebalance skipped"`) || !strings.Contains(out, `"ticker":"AAPL"`) {
		t.Errorf("Expected JSON warn line in file, got %q", out)
	}
}

func TestNewDefaultsLevel(t *testing.T) {
	for _, level := range []string{"", "verbose"} {
		logger, err := logging.New(types.LoggingConfig{Level: level})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		if !logger.Core().Enabled(zapcore.InfoLevel) || logger.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("Level %q should fall back to info", level)
		}
	}

	logger, err := logging.New(types.LoggingConfig{Level: "DEBUG", Encoding: "json"})
	if err != nil {
		t.Fatal(err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("Expected debug to be enabled")
	}
}

func TestRotatingWriter(t *testing.T) {
	w := logging.RotatingWriter(types.LoggingConfig{File: "x.log", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 7, Compress: true})
	if w.Filename != "x.log" || w.MaxSize != 10 || w.MaxBackups != 3 || w.MaxAge != 7 || !w.Compress {
		t.Errorf("Unexpected writer settings: %+v", w)
	}
}
