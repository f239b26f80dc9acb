package render

import (
	"hash/fnv"
	"image"
	"image/color"
	"math"
)

// TestPattern はカメラごとに色の異なるテストパターンのフレームを生成する
// 縦帯がフレームごとに移動し、露出補正は明るさに、画角は帯の幅に反映される
type TestPattern struct {
	base color.RGBA
}

// NewTestPattern はカメラIDから基調色を決めてパターンを作成する
func NewTestPattern(cameraID string) *TestPattern {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cameraID))
	sum := h.Sum32()
	return &TestPattern{
		base: color.RGBA{
			R: uint8(64 + sum%160),
			G: uint8(64 + (sum>>8)%160),
			B: uint8(64 + (sum>>16)%160),
			A: 0xff,
		},
	}
}

// Frame は index 番目のフレームを生成する
func (p *TestPattern) Frame(index int, format Format) *image.RGBA {
	w, h := format.Resolution.Width, format.Resolution.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	gain := math.Pow(2, format.Optics.Exposure)
	bg := scale(p.base, gain)
	bar := scale(color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}, gain)

	// 画角が広いほど帯は細くなる
	barWidth := int(float64(w) / format.Optics.FieldOfView() * 4)
	if barWidth < 1 {
		barWidth = 1
	}
	step := w / 60
	if step < 1 {
		step = 1
	}
	barX := (index * step) % w

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			c := bg
			if x >= barX && x < barX+barWidth {
				c = bar
			}
			i := x * 4
			row[i+0] = c.R
			row[i+1] = c.G
			row[i+2] = c.B
			row[i+3] = 0xff
		}
	}
	return img
}

func scale(c color.RGBA, gain float64) color.RGBA {
	clamp := func(v uint8) uint8 {
		f := float64(v) * gain
		if f > 255 {
			return 255
		}
		return uint8(f)
	}
	return color.RGBA{R: clamp(c.R), G: clamp(c.G), B: clamp(c.B), A: 0xff}
}
