package tensor2d

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/sw965/omw/slicesx"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(rows, cols int) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   make([]float32, rows*cols),
	}
}

func N(gen blas32.General) int {
	return gen.Rows * gen.Cols
}

func At(gen blas32.General, row, col int) int {
	return row*gen.Stride + col
}

// Row は row 行目を gen.Data と共有するスライスとして返す。
func Row(gen blas32.General, row int) []float32 {
	offset := row * gen.Stride
	return gen.Data[offset : offset+gen.Cols]
}

func ToVector(gen blas32.General) blas32.Vector {
	return blas32.Vector{
		N:    N(gen),
		Inc:  1,
		Data: gen.Data,
	}
}

func Scal(alpha float32, gen blas32.General) {
	vec := ToVector(gen)
	blas32.Scal(alpha, vec)
}

// OneHot は labels を n x k の one-hot 行列にする。単位行列の行を引くのと同じ。
func OneHot(labels []int, k int) (blas32.General, error) {
	if k < 0 {
		return blas32.General{}, fmt.Errorf("one-hot width must not be negative: %d", k)
	}

	gen := NewZeros(len(labels), k)
	for i, label := range labels {
		if label < 0 || label >= k {
			return blas32.General{}, fmt.Errorf("label out of range at index %d: %d", i, label)
		}
		gen.Data[At(gen, i, label)] = 1.0
	}
	return gen, nil
}

// ArgmaxRows は各行の最大値の列番号を返す。OneHot の逆変換になる。
func ArgmaxRows(gen blas32.General) []int {
	idxs := make([]int, gen.Rows)
	if gen.Cols == 0 {
		return idxs
	}
	for r := range gen.Rows {
		row := Row(gen, r)
		idxs[r] = slicesx.Argsort(row)[len(row)-1]
	}
	return idxs
}

// ToColumns は n x d の行列を d x 1 の列行列 n 個に分ける。データは gen と共有する。
func ToColumns(gen blas32.General) []blas32.General {
	cols := make([]blas32.General, gen.Rows)
	for r := range gen.Rows {
		cols[r] = blas32.General{
			Rows:   gen.Cols,
			Cols:   1,
			Stride: 1,
			Data:   Row(gen, r),
		}
	}
	return cols
}

// MeanStd は全要素の平均と母標準偏差。
func MeanStd(gen blas32.General) (float32, float32) {
	n := N(gen)
	if n == 0 {
		return 0.0, 0.0
	}

	var sum float32
	for r := range gen.Rows {
		for _, v := range Row(gen, r) {
			sum += v
		}
	}
	mean := sum / float32(n)

	var sq float32
	for r := range gen.Rows {
		for _, v := range Row(gen, r) {
			d := v - mean
			sq += d * d
		}
	}
	return mean, math32.Sqrt(sq / float32(n))
}
