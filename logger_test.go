package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerTo(&buf, "info", false)

	l.Printf("[WARN] disk nearly full")
	l.Printf("[ERROR] extraction failed")
	l.Printf("armed")
	l.Debugf("hidden")

	out := buf.String()
	assert.Contains(t, out, "WRN disk nearly full")
	assert.Contains(t, out, "ERR extraction failed")
	assert.Contains(t, out, "INF armed")
	assert.NotContains(t, out, "[WARN]")
	assert.NotContains(t, out, "hidden")
}

func TestLoggerVerbose(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerTo(&buf, "warn", true)
	l.Debugf("shown %d", 1)
	assert.Contains(t, buf.String(), "shown 1")
}

func TestLoggerBadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerTo(&buf, "shouty", false)
	l.Debugf("hidden")
	l.Printf("visible")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}
