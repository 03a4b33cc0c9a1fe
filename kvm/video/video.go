package video

import (
	"image"
)

// Source produces frames for the framebuffer pump.
type Source interface {
	Open() error
	Close() error

	GetSize() (image.Point, error)
	GetFrame() (image.Image, error)
}
