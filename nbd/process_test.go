package nbd

import (
	"errors"
	"testing"
)

type brokenWriter struct {
	closed bool
}

func (w *brokenWriter) Write(data []byte) (int, error) {
	return 0, errors.New("pipe gone")
}

func (w *brokenWriter) Close() error {
	w.closed = true
	return nil
}

func TestSendConfigFailure(t *testing.T) {
	stdin := &brokenWriter{}
	err := sendConfig(stdin, AgentConfig{Device: "/dev/nbd0"})
	if err == nil {
		t.Fatal("Expected an error from a broken stdin")
	}
	if kind, ok := KindOf(err); !ok || kind != KindGeneral {
		t.Fatalf("Expected a general error, got %v", err)
	}
	if !stdin.closed {
		t.Fatal("Expected stdin to be closed on failure")
	}
}
