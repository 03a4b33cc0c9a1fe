package rfb

import (
	"testing"
)

func TestParseClientEncodings(t *testing.T) {
	encodings := ParseClientEncodings([]int32{EncodingTight, -24, EncodingResize, EncodingLedsState})
	if !encodings.HasTight {
		t.Fatalf("Expected HasTight, got %+v", encodings)
	}
	if !encodings.HasResize || !encodings.HasLedsState {
		t.Fatalf("Expected resize and LED state, got %+v", encodings)
	}
	if encodings.HasRename || encodings.HasExtKeys || encodings.HasContUpdates {
		t.Fatalf("Expected no rename/ext_keys/cont_updates, got %+v", encodings)
	}
	if encodings.TightJPEGQuality != 90 {
		t.Fatalf("Expected quality 90, got %d", encodings.TightJPEGQuality)
	}
}

func TestParseClientEncodingsQualityLevels(t *testing.T) {
	quality := func(ids ...int32) int {
		return ParseClientEncodings(append(ids, EncodingTight)).TightJPEGQuality
	}

	if q := quality(-32); q != 10 {
		t.Fatalf("Expected 10, got %d", q)
	}
	if q := quality(-23); q != 100 {
		t.Fatalf("Expected 100, got %d", q)
	}
	// the highest advertised level wins, in any order
	if q := quality(-30, -25); q != 80 {
		t.Fatalf("Expected 80, got %d", q)
	}
	if q := quality(-25, -30); q != 80 {
		t.Fatalf("Expected 80, got %d", q)
	}
}

func TestParseClientEncodingsQualityRequiresTight(t *testing.T) {
	encodings := ParseClientEncodings([]int32{-24})
	if encodings.TightJPEGQuality != 0 {
		t.Fatalf("Expected no quality without Tight, got %d", encodings.TightJPEGQuality)
	}
}

func TestParseClientEncodingsUnknownIgnored(t *testing.T) {
	encodings := ParseClientEncodings([]int32{0, 1, 5, -1000})
	if encodings.HasTight || encodings.TightJPEGQuality != 0 {
		t.Fatalf("Expected nothing recognized, got %+v", encodings)
	}
}
