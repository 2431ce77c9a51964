package raster

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultRows = 32
	DefaultCols = 32
)

type Shape struct {
	Rows int
	Cols int
}

func DefaultShape() Shape {
	return Shape{Rows: DefaultRows, Cols: DefaultCols}
}

// N は1枚あたりの画素数。
func (s Shape) N() int {
	return s.Rows * s.Cols
}

func (s Shape) Validate() error {
	if s.Rows <= 0 || s.Cols <= 0 {
		return fmt.Errorf("image shape must be positive: %dx%d", s.Rows, s.Cols)
	}
	return nil
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%d", s.Rows, s.Cols)
}

type DimensionError struct {
	Path string
	Want Shape
	Got  Shape
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: image is %s, expected %s", e.Path, e.Got, e.Want)
}

// Gray は path の画像を8bitの輝度画像として読み込む。アルファチャンネルは無視する。
// 大きさが shape と違う場合、resize なら Catmull-Rom で拡縮し、そうでなければ *DimensionError を返す。
func Gray(path string, shape Shape, resize bool) (*image.Gray, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}

	src, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %s", path)
	}

	b := src.Bounds()
	if b.Dx() != shape.Cols || b.Dy() != shape.Rows {
		if !resize {
			return nil, &DimensionError{
				Path: path,
				Want: shape,
				Got:  Shape{Rows: b.Dy(), Cols: b.Dx()},
			}
		}
		src = imaging.Resize(src, shape.Cols, shape.Rows, imaging.CatmullRom)
	}

	if g, ok := src.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g, nil
	}

	dst := image.NewGray(image.Rect(0, 0, shape.Cols, shape.Rows))
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
		return dst, nil
	}

	// 透明度は無視し、乗算前のRGBから輝度を求める。
	origin := src.Bounds().Min
	for y := 0; y < shape.Rows; y++ {
		for x := 0; x < shape.Cols; x++ {
			c := color.NRGBAModel.Convert(src.At(origin.X+x, origin.Y+y)).(color.NRGBA)
			c.A = 0xff
			dst.SetGray(x, y, color.GrayModel.Convert(c).(color.Gray))
		}
	}
	return dst, nil
}

// Decode は path の画像を行優先で dst に書き込む。len(dst) は shape.N() でなければならない。
// 値は 0...255 の輝度。
func Decode(path string, shape Shape, resize bool, dst []float32) error {
	if len(dst) != shape.N() {
		return fmt.Errorf("buffer length %d does not match image shape %s", len(dst), shape)
	}

	g, err := Gray(path, shape, resize)
	if err != nil {
		return err
	}

	for y := 0; y < shape.Rows; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+shape.Cols]
		out := dst[y*shape.Cols : (y+1)*shape.Cols]
		for x, v := range row {
			out[x] = float32(v)
		}
	}
	return nil
}
