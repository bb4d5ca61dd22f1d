package logger

import "testing"

func TestSetupLevels(t *testing.T) {
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR", "bogus"} {
		Setup(level, "console")
		if Log == nil {
			t.Fatalf("Setup(%q) left Log nil", level)
		}
	}
	Setup("INFO", "json")
	if Log == nil {
		t.Fatal("Setup json left Log nil")
	}
}

func TestComponentLogger(t *testing.T) {
	Setup("ERROR", "json")
	c := Log.Component("gguf")
	if c == nil {
		t.Fatal("Component returned nil")
	}
	// Must not panic with odd or non-string fields.
	c.Info("msg", "key", 1, "dangling")
	c.Debug("msg", 42, "value")
	c.Warn("msg")
	c.Error("msg", "err", "boom")
}
