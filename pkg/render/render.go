// Package render produces placeholder variants of a source portrait.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
)

const ContentType = "image/jpeg"

var sectionColors = map[domain.Section]color.NRGBA{
	domain.SectionUploaded: {R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff},
	domain.SectionFree:     {R: 0x4c, G: 0xaf, B: 0x50, A: 0xff},
	domain.SectionStart:    {R: 0x21, G: 0x96, B: 0xf3, A: 0xff},
	domain.SectionPro:      {R: 0xff, G: 0xb3, B: 0x00, A: 0xff},
}

// Variant identifies one output photo.
type Variant struct {
	Section  domain.Section
	Sequence int
	Gender   domain.Gender
}

// Result is an encoded output photo.
type Result struct {
	Data       []byte
	Dimensions domain.Dimensions
}

// Renderer turns a decoded source image into deterministic variants.
type Renderer struct {
	maxSide int
	quality int
}

func New(maxSide, quality int) *Renderer {
	if maxSide <= 0 {
		maxSide = 1024
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &Renderer{maxSide: maxSide, quality: quality}
}

// Decode reads a source image, applying its EXIF orientation.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	return img, nil
}

// Render applies the variant's filter and frame and encodes the result as JPEG.
// The same source and variant always yield the same pixels.
func (r *Renderer) Render(src image.Image, v Variant) (Result, error) {
	if src == nil {
		return Result{}, fmt.Errorf("render %s/%d: nil source", v.Section, v.Sequence)
	}
	img := imaging.Fit(src, r.maxSide, r.maxSide, imaging.Lanczos)
	img = applyFilter(img, v)

	dc := gg.NewContextForImage(img)
	w, h := float64(dc.Width()), float64(dc.Height())
	border := max(4, w*0.02)
	dc.SetColor(sectionColors[v.Section])
	dc.SetLineWidth(border)
	dc.DrawRectangle(border/2, border/2, w-border, h-border)
	dc.Stroke()

	// Corner pips encode the sequence so variants are distinguishable at a glance.
	pip := border * 1.5
	for i := 0; i < v.Sequence%10; i++ {
		dc.DrawCircle(border*2+float64(i)*pip*1.5, h-border*2-pip/2, pip/2)
	}
	dc.Fill()

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, dc.Image(), imaging.JPEG, imaging.JPEGQuality(r.quality)); err != nil {
		return Result{}, fmt.Errorf("encode %s/%d: %w", v.Section, v.Sequence, err)
	}
	return Result{
		Data:       buf.Bytes(),
		Dimensions: domain.Dimensions{Width: dc.Width(), Height: dc.Height()},
	}, nil
}

func applyFilter(img *image.NRGBA, v Variant) *image.NRGBA {
	step := float64(v.Sequence % 5)
	switch v.Sequence % 6 {
	case 0:
		return imaging.AdjustBrightness(img, 4*step)
	case 1:
		return imaging.AdjustContrast(img, 6+3*step)
	case 2:
		return imaging.AdjustSaturation(img, 15+5*step)
	case 3:
		return imaging.AdjustGamma(img, 0.9+0.05*step)
	case 4:
		return imaging.Sharpen(img, 0.5+0.25*step)
	default:
		if v.Gender == domain.GenderFemale {
			return imaging.AdjustSaturation(imaging.Blur(img, 0.6), -10)
		}
		return imaging.Grayscale(img)
	}
}
