package rfb

import (
	"fmt"
	"slices"
)

// Pseudo-encodings and encodings the server cares about.
// https://github.com/rfbproto/rfbproto/blob/master/rfbproto.rst
const (
	EncodingResize      int32 = -223 // DesktopSize
	EncodingRename      int32 = -307 // DesktopName
	EncodingLedsState   int32 = -261 // QEMU LED State
	EncodingExtKeys     int32 = -258 // QEMU Extended Key Events
	EncodingContUpdates int32 = -313 // ContinuousUpdates

	EncodingTight int32 = 7
)

// JPEG Quality Level pseudo-encodings -32..-23 map to qualities 10..100.
const (
	tightJPEGMin int32 = -32
	tightJPEGMax int32 = -23
)

// MaxEncodings caps the SetEncodings list size.
const MaxEncodings = 1024

// ClientEncodings is the capability set derived from one SetEncodings
// message. Replaced wholesale when the client sends the message again.
type ClientEncodings struct {
	Encodings []int32

	HasResize      bool
	HasRename      bool
	HasLedsState   bool
	HasExtKeys     bool
	HasContUpdates bool

	HasTight bool
	// TightJPEGQuality is 0 when the client did not advertise a JPEG
	// quality level, 10..100 otherwise.
	TightJPEGQuality int
}

// ParseClientEncodings derives the capability set from the raw encoding IDs.
func ParseClientEncodings(ids []int32) ClientEncodings {
	encodings := ClientEncodings{
		Encodings: slices.Clone(ids),
	}

	var jpegLevel int32
	hasJPEGLevel := false

	for _, id := range ids {
		switch id {
		case EncodingResize:
			encodings.HasResize = true
		case EncodingRename:
			encodings.HasRename = true
		case EncodingLedsState:
			encodings.HasLedsState = true
		case EncodingExtKeys:
			encodings.HasExtKeys = true
		case EncodingContUpdates:
			encodings.HasContUpdates = true
		case EncodingTight:
			encodings.HasTight = true
		default:
			if id >= tightJPEGMin && id <= tightJPEGMax {
				if !hasJPEGLevel || id > jpegLevel {
					jpegLevel = id
					hasJPEGLevel = true
				}
			}
		}
	}

	if encodings.HasTight && hasJPEGLevel {
		encodings.TightJPEGQuality = int(jpegLevel-tightJPEGMin+1) * 10
	}

	return encodings
}

func (e ClientEncodings) Summary() string {
	return fmt.Sprintf(
		"resize=%t; rename=%t; leds=%t; ext_keys=%t; cont_updates=%t; tight=%t; tight_jpeg_quality=%d",
		e.HasResize, e.HasRename, e.HasLedsState, e.HasExtKeys, e.HasContUpdates,
		e.HasTight, e.TightJPEGQuality,
	)
}
