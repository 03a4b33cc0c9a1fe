package placeholder

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

var font *truetype.Font

// Source renders a static text frame, used when no capture hardware is
// wired in. The timestamp in the corner makes pushed updates visibly fresh.
type Source struct {
	Width  int
	Height int
	Text   string

	Background color.Color
	Foreground color.Color

	Timestamp bool

	locker sync.Mutex
}

func NewSource(width, height int, text string) *Source {
	return &Source{
		Width:      width,
		Height:     height,
		Text:       text,
		Background: color.Black,
		Foreground: color.White,
		Timestamp:  true,
	}
}

func (s *Source) Open() error {
	s.locker.Lock()
	defer s.locker.Unlock()

	if font == nil {
		var err error
		font, err = truetype.Parse(goregular.TTF)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) Close() error {
	return nil
}

func (s *Source) GetSize() (image.Point, error) {
	return image.Point{X: s.Width, Y: s.Height}, nil
}

func (s *Source) GetFrame() (image.Image, error) {
	s.locker.Lock()
	defer s.locker.Unlock()

	dc := gg.NewContext(s.Width, s.Height)
	dc.SetColor(s.Background)
	dc.DrawRectangle(0, 0, float64(s.Width), float64(s.Height))
	dc.Fill()

	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: 72}))
	dc.SetColor(s.Foreground)
	dc.DrawStringAnchored(s.Text, float64(s.Width/2), float64(s.Height/2), 0.5, 0.5)

	if s.Timestamp {
		nowStr := time.Now().Format(time.DateTime)
		dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: 24}))
		dc.DrawStringAnchored(nowStr, float64(s.Width-50), float64(s.Height-50), 1, 0)
	}

	return dc.Image(), nil
}
