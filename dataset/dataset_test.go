package dataset_test

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sw965/hasy/blas32/tensor/2d"
	"github.com/sw965/hasy/dataset"
	"github.com/sw965/hasy/label"
	"github.com/sw965/hasy/raster"
)

// writeSplit は dir/name.csv と dir/img/name-i.png を作る。i番目の画像は全画素が値 i+1。
func writeSplit(t *testing.T, dir, name string, shape raster.Shape, symbols ...string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "img"), 0755); err != nil {
		t.Fatal(err)
	}

	text := "path,symbol_id,latex,user_id\n"
	for i, s := range symbols {
		rel := fmt.Sprintf("img/%s-%d.png", name, i)
		img := image.NewGray(image.Rect(0, 0, shape.Cols, shape.Rows))
		for j := range img.Pix {
			img.Pix[j] = uint8(i + 1)
		}

		f, err := os.Create(filepath.Join(dir, rel))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, img); err != nil {
			f.Close()
			t.Fatal(err)
		}
		f.Close()

		text += fmt.Sprintf("%s,%s,'\\%s',%d\n", rel, s, s, i)
	}

	path := filepath.Join(dir, name+".csv")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadImagesEndToEnd(t *testing.T) {
	dir := t.TempDir()
	shape := raster.DefaultShape()
	path := writeSplit(t, dir, "train", shape, "A", "B", "A")

	index, err := label.Generate(path)
	if err != nil {
		t.Fatal(err)
	}
	if m := index.Map(); len(m) != 2 || m["A"] != 0 || m["B"] != 1 {
		t.Errorf("テスト失敗: %v", m)
	}

	opts := dataset.DefaultLoadOptions()
	split, err := dataset.LoadImages(path, index, opts)
	if err != nil {
		t.Fatal(err)
	}

	if !slices.Equal(split.Labels, []int{0, 1, 0}) {
		t.Errorf("テスト失敗: %v", split.Labels)
	}

	expected := []float32{1, 0, 0, 1, 1, 0}
	if split.OneHot.Rows != 3 || split.OneHot.Cols != 2 || !slices.Equal(split.OneHot.Data, expected) {
		t.Errorf("テスト失敗: %v", split.OneHot.Data)
	}

	images := split.Images
	if images.Batches != 3 || images.Rows != 32 || images.Cols != 32 || images.Channels != 1 {
		t.Errorf("テスト失敗: %d %d %d %d", images.Batches, images.Rows, images.Cols, images.Channels)
	}
	for i := range 3 {
		if v := images.Data[images.At(i, 31, 31, 0)]; v != float32(i+1) {
			t.Errorf("テスト失敗: image %d = %f", i, v)
		}
	}

	if split.Paths[1] != filepath.Join(dir, "img", "train-1.png") {
		t.Errorf("テスト失敗: %s", split.Paths[1])
	}
}

func TestLoadImagesFlatParallel(t *testing.T) {
	dir := t.TempDir()
	shape := raster.Shape{Rows: 4, Cols: 8}
	symbols := []string{"a", "b", "c", "a", "b", "c", "d", "a", "e"}
	path := writeSplit(t, dir, "train", shape, symbols...)

	index, err := label.Generate(path)
	if err != nil {
		t.Fatal(err)
	}

	var count atomic.Int64
	opts := dataset.DefaultLoadOptions()
	opts.Shape = shape
	opts.Flatten = true
	opts.OneHot = false
	opts.Parallelism = 4
	opts.Progress = func() { count.Add(1) }

	split, err := dataset.LoadImages(path, index, opts)
	if err != nil {
		t.Fatal(err)
	}

	if count.Load() != int64(len(symbols)) {
		t.Errorf("テスト失敗: progress = %d", count.Load())
	}
	if split.Flat.Rows != len(symbols) || split.Flat.Cols != shape.N() {
		t.Errorf("テスト失敗: %dx%d", split.Flat.Rows, split.Flat.Cols)
	}
	if len(split.Labels) != len(symbols) {
		t.Errorf("テスト失敗")
	}
	if split.OneHot.Data != nil {
		t.Errorf("テスト失敗: one-hot が作られている")
	}

	for i := range symbols {
		row := tensor2d.Row(split.Flat, i)
		for _, v := range row {
			if v != float32(i+1) {
				t.Fatalf("テスト失敗: row %d = %f", i, v)
			}
		}
	}
}

func TestLoadImagesUnknownSymbol(t *testing.T) {
	dir := t.TempDir()
	shape := raster.DefaultShape()
	trainPath := writeSplit(t, dir, "train", shape, "A", "B")
	testPath := writeSplit(t, dir, "test", shape, "A", "C")

	index, err := label.Generate(trainPath)
	if err != nil {
		t.Fatal(err)
	}

	_, err = dataset.LoadImages(testPath, index, dataset.DefaultLoadOptions())
	if !errors.Is(err, label.ErrUnknownSymbol) {
		t.Errorf("テスト失敗: %v", err)
	}
}

func TestLoadImagesMissingImage(t *testing.T) {
	dir := t.TempDir()
	path := writeSplit(t, dir, "train", raster.DefaultShape(), "A", "B")
	if err := os.Remove(filepath.Join(dir, "img", "train-1.png")); err != nil {
		t.Fatal(err)
	}

	index, err := label.Generate(path)
	if err != nil {
		t.Fatal(err)
	}

	_, err = dataset.LoadImages(path, index, dataset.DefaultLoadOptions())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("テスト失敗: %v", err)
	}
}

func TestLoadImagesParallelFailure(t *testing.T) {
	dir := t.TempDir()
	symbols := []string{"A", "B", "C", "A", "B", "C", "A", "B"}
	path := writeSplit(t, dir, "train", raster.DefaultShape(), symbols...)
	if err := os.Remove(filepath.Join(dir, "img", "train-5.png")); err != nil {
		t.Fatal(err)
	}

	index, err := label.Generate(path)
	if err != nil {
		t.Fatal(err)
	}

	opts := dataset.DefaultLoadOptions()
	opts.Flatten = true
	opts.Parallelism = 4
	split, err := dataset.LoadImages(path, index, opts)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("テスト失敗: %v", err)
	}
	if split.Len() != 0 || split.Flat.Data != nil || split.OneHot.Data != nil || split.Paths != nil {
		t.Errorf("テスト失敗: 失敗時に途中結果が返された")
	}

	// 全ての画像が 32x32 なので、どのworkerが先に失敗しても大きさの不一致になる
	path = writeSplit(t, t.TempDir(), "train", raster.DefaultShape(), symbols...)
	opts.Flatten = false
	opts.Shape = raster.Shape{Rows: 16, Cols: 16}
	split, err = dataset.LoadImages(path, index, opts)
	var dimErr *raster.DimensionError
	if !errors.As(err, &dimErr) {
		t.Errorf("テスト失敗: %v", err)
	}
	if split.Len() != 0 || split.Images.Data != nil {
		t.Errorf("テスト失敗: 失敗時に途中結果が返された")
	}
}

func TestLoadImagesDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeSplit(t, dir, "train", raster.Shape{Rows: 28, Cols: 28}, "A")

	index, err := label.Generate(path)
	if err != nil {
		t.Fatal(err)
	}

	_, err = dataset.LoadImages(path, index, dataset.DefaultLoadOptions())
	var dimErr *raster.DimensionError
	if !errors.As(err, &dimErr) {
		t.Errorf("テスト失敗: %v", err)
	}

	opts := dataset.DefaultLoadOptions()
	opts.Resize = true
	if _, err := dataset.LoadImages(path, index, opts); err != nil {
		t.Errorf("テスト失敗: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	shape := raster.DefaultShape()
	trainPath := writeSplit(t, dir, "train", shape, "B", "A", "B")
	testPath := writeSplit(t, dir, "test", shape, "A", "C")

	c := dataset.NewConfig(trainPath, testPath)
	d, err := dataset.Load(c)
	if err != nil {
		t.Fatal(err)
	}

	if !slices.Equal(d.Index.Symbols, []string{"B", "A", "C"}) {
		t.Errorf("テスト失敗: %v", d.Index.Symbols)
	}
	if !slices.Equal(d.Train.Labels, []int{0, 1, 0}) {
		t.Errorf("テスト失敗: %v", d.Train.Labels)
	}
	if !slices.Equal(d.Test.Labels, []int{1, 2}) {
		t.Errorf("テスト失敗: %v", d.Test.Labels)
	}

	if d.Train.OneHot.Cols != 3 || d.Test.OneHot.Cols != 3 {
		t.Errorf("テスト失敗: one-hot の幅が揃っていない")
	}
	if d.Train.Flat.Rows != 3 || d.Train.Flat.Cols != 1024 {
		t.Errorf("テスト失敗")
	}
	if !slices.Equal(tensor2d.ArgmaxRows(d.Test.OneHot), d.Test.Labels) {
		t.Errorf("テスト失敗")
	}
}

func TestLoadIndexModes(t *testing.T) {
	dir := t.TempDir()
	shape := raster.DefaultShape()
	trainPath := writeSplit(t, dir, "train", shape, "B", "A")
	testPath := writeSplit(t, dir, "test", shape, "A", "B", "C")

	c := dataset.NewConfig(trainPath, testPath)
	c.IndexMode = dataset.TrainIndex
	if _, err := dataset.Load(c); !errors.Is(err, label.ErrUnknownSymbol) {
		t.Errorf("テスト失敗: %v", err)
	}

	c.IndexMode = dataset.PerSplitIndex
	d, err := dataset.Load(c)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(d.Test.Labels, []int{0, 1, 2}) {
		t.Errorf("テスト失敗: %v", d.Test.Labels)
	}
	if d.Index.Len() != 2 || d.TestIndex.Len() != 3 {
		t.Errorf("テスト失敗")
	}
}

func TestColumns(t *testing.T) {
	dir := t.TempDir()
	shape := raster.DefaultShape()
	trainPath := writeSplit(t, dir, "train", shape, "A", "B")
	testPath := writeSplit(t, dir, "test", shape, "B")

	d, err := dataset.Load(dataset.NewConfig(trainPath, testPath))
	if err != nil {
		t.Fatal(err)
	}

	cols, err := d.Columns()
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 4 {
		t.Fatalf("テスト失敗")
	}

	trainX, trainY, testX := cols[0], cols[1], cols[2]
	if len(trainX) != 2 || trainX[0].Rows != 1024 || trainX[0].Cols != 1 {
		t.Errorf("テスト失敗")
	}
	if trainY[1].Rows != 2 || trainY[1].Data[1] != 1 {
		t.Errorf("テスト失敗: %v", trainY[1].Data)
	}
	if len(testX) != 1 {
		t.Errorf("テスト失敗")
	}

	c := dataset.NewConfig(trainPath, testPath)
	c.Flatten = false
	d, err = dataset.Load(c)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Columns(); err == nil {
		t.Errorf("テスト失敗")
	}
}

func TestNormalizeAndGob(t *testing.T) {
	dir := t.TempDir()
	shape := raster.DefaultShape()
	trainPath := writeSplit(t, dir, "train", shape, "A", "B")
	testPath := writeSplit(t, dir, "test", shape, "B")

	d, err := dataset.Load(dataset.NewConfig(trainPath, testPath))
	if err != nil {
		t.Fatal(err)
	}
	d.Normalize()
	if v := d.Train.Flat.Data[0]; v != float32(1)*(1.0/255.0) {
		t.Errorf("テスト失敗: %f", v)
	}

	path := filepath.Join(dir, "hasy.gob")
	if err := d.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := dataset.LoadGob(path)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(loaded.Train.Labels, d.Train.Labels) {
		t.Errorf("テスト失敗")
	}
	if !slices.Equal(loaded.Test.Flat.Data, d.Test.Flat.Data) {
		t.Errorf("テスト失敗")
	}
	if i, err := loaded.Index.Lookup("B"); err != nil || i != 1 {
		t.Errorf("テスト失敗: %d %v", i, err)
	}
}

func TestNormalizeImages(t *testing.T) {
	dir := t.TempDir()
	path := writeSplit(t, dir, "train", raster.DefaultShape(), "A", "B")

	index, err := label.Generate(path)
	if err != nil {
		t.Fatal(err)
	}

	split, err := dataset.LoadImages(path, index, dataset.DefaultLoadOptions())
	if err != nil {
		t.Fatal(err)
	}
	split.Normalize()

	images := split.Images
	if v := images.Data[images.At(1, 0, 0, 0)]; v != float32(2)*(1.0/255.0) {
		t.Errorf("テスト失敗: %f", v)
	}
	if v := split.Matrix().Data[images.BatchStride-1]; v != float32(1)*(1.0/255.0) {
		t.Errorf("テスト失敗: %f", v)
	}
}

func TestLoadFromRecords(t *testing.T) {
	dir := t.TempDir()
	shape := raster.DefaultShape()
	trainPath := writeSplit(t, dir, "train", shape, "A", "B")
	testPath := writeSplit(t, dir, "test", shape, "B", "A", "A")

	c := dataset.NewConfig(trainPath, testPath)
	trainRecords, testRecords, err := dataset.LoadManifests(c)
	if err != nil {
		t.Fatal(err)
	}
	if len(trainRecords) != 2 || len(testRecords) != 3 {
		t.Fatalf("テスト失敗: %d %d", len(trainRecords), len(testRecords))
	}

	var count atomic.Int64
	c.Progress = func() { count.Add(1) }
	d, err := dataset.LoadFromRecords(c, trainRecords, testRecords)
	if err != nil {
		t.Fatal(err)
	}
	if count.Load() != 5 {
		t.Errorf("テスト失敗: progress = %d", count.Load())
	}
	if !slices.Equal(d.Test.Labels, []int{1, 0, 0}) {
		t.Errorf("テスト失敗: %v", d.Test.Labels)
	}

	// エラーには manifest のパスが付く
	testRecords[0]["symbol_id"] = "Z"
	c.IndexMode = dataset.TrainIndex
	_, err = dataset.LoadFromRecords(c, trainRecords, testRecords)
	if !errors.Is(err, label.ErrUnknownSymbol) || !strings.Contains(err.Error(), testPath) {
		t.Errorf("テスト失敗: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (dataset.Config{}).Validate(); err == nil {
		t.Errorf("テスト失敗")
	}

	c := dataset.NewConfig("train.csv", "test.csv")
	if err := c.Validate(); err != nil {
		t.Errorf("テスト失敗: %v", err)
	}

	c.Shape = raster.Shape{}
	if err := c.Validate(); err == nil {
		t.Errorf("テスト失敗")
	}

	if m, err := dataset.ParseIndexMode("Train"); err != nil || m != dataset.TrainIndex {
		t.Errorf("テスト失敗")
	}
	if _, err := dataset.ParseIndexMode("none"); err == nil {
		t.Errorf("テスト失敗")
	}
}
