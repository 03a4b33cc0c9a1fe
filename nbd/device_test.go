package nbd

import (
	"testing"
)

func TestBlockCount(t *testing.T) {
	if n := blockCount(1000, 512); n != 2 {
		t.Fatalf("Expected 2, got %d", n)
	}
	if n := blockCount(1024, 512); n != 2 {
		t.Fatalf("Expected 2, got %d", n)
	}
	if n := blockCount(1025, 512); n != 3 {
		t.Fatalf("Expected 3, got %d", n)
	}
	if n := blockCount(1, 512); n != 1 {
		t.Fatalf("Expected 1, got %d", n)
	}
}
