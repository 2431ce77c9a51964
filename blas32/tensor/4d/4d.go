package tensor4d

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

// General は [batch, row, col, channel] (NHWC) の順で並んだ4階テンソル。
type General struct {
	Batches     int
	Rows        int
	Cols        int
	Channels    int
	BatchStride int
	RowStride   int
	Data        []float32
}

func NewZeros(batches, rows, cols, chs int) General {
	rowStride := cols * chs
	batchStride := rows * rowStride
	return General{
		Batches:     batches,
		Rows:        rows,
		Cols:        cols,
		Channels:    chs,
		BatchStride: batchStride,
		RowStride:   rowStride,
		Data:        make([]float32, batches*batchStride),
	}
}

// FromGeneral は n x (rows*cols*chs) の行列を同じデータのまま4階テンソルとして見る。
func FromGeneral(gen blas32.General, rows, cols, chs int) (General, error) {
	if gen.Cols != rows*cols*chs {
		return General{}, fmt.Errorf("cannot reshape %dx%d into [%d, %d, %d, %d]", gen.Rows, gen.Cols, gen.Rows, rows, cols, chs)
	}
	if gen.Stride != gen.Cols {
		return General{}, fmt.Errorf("cannot reshape a strided matrix: stride %d, cols %d", gen.Stride, gen.Cols)
	}
	return General{
		Batches:     gen.Rows,
		Rows:        rows,
		Cols:        cols,
		Channels:    chs,
		BatchStride: gen.Cols,
		RowStride:   cols * chs,
		Data:        gen.Data,
	}, nil
}

func (g General) N() int {
	return g.Batches * g.Rows * g.Cols * g.Channels
}

func (g General) At(batch, row, col, ch int) int {
	return (batch * g.BatchStride) + (row * g.RowStride) + (col * g.Channels) + ch
}

// Batch は batch 番目のサンプルを Data と共有するスライスとして返す。
func (g General) Batch(batch int) []float32 {
	offset := batch * g.BatchStride
	return g.Data[offset : offset+g.BatchStride]
}

// Flatten は [batch, row*col*channel] の行列として見る。データは共有する。
func (g General) Flatten() blas32.General {
	return blas32.General{
		Rows:   g.Batches,
		Cols:   g.BatchStride,
		Stride: g.BatchStride,
		Data:   g.Data,
	}
}

func (g General) ToVector() blas32.Vector {
	return blas32.Vector{
		N:    g.N(),
		Inc:  1,
		Data: g.Data,
	}
}

func (g General) Scal(alpha float32) {
	blas32.Scal(alpha, g.ToVector())
}
