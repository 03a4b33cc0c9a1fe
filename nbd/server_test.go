package nbd

import (
	"context"
	"testing"
)

func TestForwardHoldsBackStopEvents(t *testing.T) {
	server := NewServer("/dev/nbd0", 512, 0, nil)
	proc := &Process{events: make(chan Event, 4)}

	proc.events <- RemoteEvent(true, "Online")
	proc.events <- StopEvent("remote_server", "first reason")
	proc.events <- StopEvent("checker", "second reason")
	close(proc.events)

	out := make(chan Event, 4)
	var stop *Event
	server.forward(context.Background(), out, proc, &stop)
	close(out)

	var forwarded []Event
	for event := range out {
		forwarded = append(forwarded, event)
	}
	if len(forwarded) != 1 || forwarded[0].Kind != EventRemote {
		t.Fatalf("Expected only the remote event forwarded, got %+v", forwarded)
	}
	if stop == nil || stop.Message != "first reason" {
		t.Fatalf("Expected the first stop reason captured, got %+v", stop)
	}

	terminal := terminalStop(stop)
	if terminal.Kind != EventStop || terminal.Message != "first reason" {
		t.Fatalf("Expected the captured stop as terminal, got %+v", terminal)
	}
}

func TestTerminalStopSynthesized(t *testing.T) {
	terminal := terminalStop(nil)
	if terminal.Kind != EventStop || terminal.Src != "main" || terminal.Message != "Unknown stop reason" {
		t.Fatalf("Expected a synthesized stop event, got %+v", terminal)
	}
}

func TestBindRejectsInvalidOptions(t *testing.T) {
	server := NewServer("/dev/nbd0", 512, 0, func(options RemoteOptions) (Backend, error) {
		t.Fatal("resolver must not run for invalid options")
		return nil, nil
	})

	options := DefaultRemoteOptions()
	options.URL = "://broken"
	err := server.Bind(context.Background(), options)
	if kind, ok := KindOf(err); !ok || kind != KindValidation {
		t.Fatalf("Expected a validation error, got %v", err)
	}
	if server.Bound() {
		t.Fatal("Expected no bind after a validation failure")
	}
}

func TestUnbindWithoutBind(t *testing.T) {
	server := NewServer("/dev/nbd0", 512, 0, nil)
	if err := server.Unbind(); err == nil {
		t.Fatal("Expected an error when nothing is bound")
	}
}
