package tight

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/kvmgate/kvmgate/kvm/codec"
)

type JPEGEncoder struct {
	codec.Codec
	Quality int
}

func (e *JPEGEncoder) EncodeFrame(frame image.Image, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = e.Quality
	}
	if quality <= 0 {
		quality = 75
	}

	buffer := bytes.NewBuffer(nil)
	err := jpeg.Encode(buffer, frame, &jpeg.Options{Quality: quality})
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
