package placeholder

import (
	"testing"
)

func TestGetFrame(t *testing.T) {
	src := NewSource(800, 600, "Hello, World!")
	if err := src.Open(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = src.Close()
	}()

	size, err := src.GetSize()
	if err != nil {
		t.Fatal(err)
	}
	if size.X != 800 || size.Y != 600 {
		t.Fatalf("Expected 800x600, got %v", size)
	}

	frame, err := src.GetFrame()
	if err != nil {
		t.Fatal(err)
	}
	bounds := frame.Bounds()
	if bounds.Dx() != 800 || bounds.Dy() != 600 {
		t.Fatalf("Expected a 800x600 frame, got %v", bounds)
	}
}
