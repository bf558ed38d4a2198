package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerTextFormatIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Info, Text, &buf)
	l.Info("starting up", Field{Key: "port", Value: "/dev/ttyACM0"})
	out := buf.String()
	if !strings.Contains(out, "starting up") || !strings.Contains(out, "port=/dev/ttyACM0") {
		t.Fatalf("unexpected log output: %q", out)
	}
}

func TestLoggerSuppressesBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Warn, Text, &buf)
	l.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
	l.Error("should appear")
	if buf.Len() == 0 {
		t.Fatal("expected output for Error level")
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Debug, JSON, &buf)
	l.Debug("hello", Field{Key: "n", Value: 1})
	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) || !strings.Contains(out, `"n":1`) {
		t.Fatalf("unexpected JSON log line: %q", out)
	}
}

func TestLoggerWithMergesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Info, Text, &buf).With(Field{Key: "session", Value: "abc"})
	l.Info("msg")
	if !strings.Contains(buf.String(), "session=abc") {
		t.Fatalf("expected inherited field, got %q", buf.String())
	}
}

func TestColorDisabledForNonFileWriter(t *testing.T) {
	var buf bytes.Buffer
	if colorEnabled(&buf) {
		t.Fatal("expected color disabled for a non-*os.File writer")
	}
}
