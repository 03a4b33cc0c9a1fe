package codec

import (
	"image"
)

type Codec interface {
	// EncodeFrame encodes one full frame into a raw payload ready for a
	// framebuffer push. quality <= 0 selects the codec default.
	EncodeFrame(frame image.Image, quality int) ([]byte, error)
}
