package tight

import (
	"bytes"
	"image"
	"image/jpeg"
	"testing"
)

func TestEncodeFrame(t *testing.T) {
	encoder := &JPEGEncoder{Quality: 80}
	frame := image.NewRGBA(image.Rect(0, 0, 64, 48))

	data, err := encoder.EncodeFrame(frame, 0)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Bounds().Dx() != 64 || decoded.Bounds().Dy() != 48 {
		t.Fatalf("Expected 64x48, got %v", decoded.Bounds())
	}
}

func TestEncodeFrameQualityOverride(t *testing.T) {
	encoder := &JPEGEncoder{Quality: 100}
	frame := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := range frame.Pix {
		frame.Pix[i] = byte(i * 7)
	}

	high, err := encoder.EncodeFrame(frame, 0)
	if err != nil {
		t.Fatal(err)
	}
	low, err := encoder.EncodeFrame(frame, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(low) >= len(high) {
		t.Fatalf("Expected the client quality to win: %d >= %d", len(low), len(high))
	}
}
