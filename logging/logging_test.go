package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Output: &buf})

	logger.Info().Msg("should be filtered")
	logger.Warn().Msg("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Error("info message logged despite warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn message missing")
	}
	if !strings.Contains(out, `"service":"resync"`) {
		t.Error("service field missing from output")
	}
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(Config{Level: "debug", Output: &buf}), "version-management")

	logger.Debug().Str("resource", "gen").Msg("created version")

	out := buf.String()
	if !strings.Contains(out, `"component":"version-management"`) {
		t.Errorf("component field missing: %s", out)
	}
	if !strings.Contains(out, `"resource":"gen"`) {
		t.Errorf("structured field missing: %s", out)
	}
}

func TestNopDiscards(t *testing.T) {
	logger := Nop()
	// Must not panic and must not write anywhere
	logger.Error().Str("k", "v").Msg("discarded")
}
