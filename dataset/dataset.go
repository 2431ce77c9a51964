package dataset

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sw965/hasy/blas32/tensor/2d"
	"github.com/sw965/hasy/blas32/tensor/4d"
	"github.com/sw965/hasy/label"
	"github.com/sw965/hasy/manifest"
	"github.com/sw965/hasy/raster"
	"github.com/sw965/omw/encoding/gobx"
	"github.com/sw965/omw/parallel"
	"gonum.org/v1/gonum/blas/blas32"
)

var ErrMissingPath = errors.New("record has no path")

// IndexMode は train と test のラベル番号の決め方。
type IndexMode int

const (
	// UnionIndex は train の初出順に test にしか無い symbol を足した1つの Index を両方に使う。
	UnionIndex IndexMode = iota
	// TrainIndex は train の Index を test にも使う。test にしか無い symbol はエラー。
	TrainIndex
	// PerSplitIndex は train と test で別々に Index を作る。番号が一致する保証は無い。
	PerSplitIndex
)

func (m IndexMode) String() string {
	switch m {
	case UnionIndex:
		return "union"
	case TrainIndex:
		return "train"
	case PerSplitIndex:
		return "split"
	}
	return fmt.Sprintf("IndexMode(%d)", int(m))
}

func ParseIndexMode(s string) (IndexMode, error) {
	switch strings.ToLower(s) {
	case "union":
		return UnionIndex, nil
	case "train":
		return TrainIndex, nil
	case "split":
		return PerSplitIndex, nil
	}
	return 0, fmt.Errorf("unknown index mode %q (union, train, split)", s)
}

type LoadOptions struct {
	OneHot   bool
	Flatten  bool
	Shape    raster.Shape
	Resize   bool
	Manifest manifest.Options

	// Parallelism が2以上なら画像のデコードをその数のgoroutineに分ける。
	Parallelism int

	// Progress は画像を1枚デコードする度に呼ばれる。Parallelism > 1 なら並行に呼ばれる。
	Progress func()
}

func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		OneHot:      true,
		Flatten:     false,
		Shape:       raster.DefaultShape(),
		Manifest:    manifest.DefaultOptions(),
		Parallelism: 1,
	}
}

func (o LoadOptions) Validate() error {
	if err := o.Shape.Validate(); err != nil {
		return err
	}
	if err := o.Manifest.Validate(); err != nil {
		return err
	}
	if o.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative: %d", o.Parallelism)
	}
	return nil
}

// Split は1つの manifest から読み込んだ画像とラベル。
// Flattened なら Flat (n x rows*cols)、そうでなければ Images (n x rows x cols x 1) に画像が入る。
type Split struct {
	Images tensor4d.General
	Flat   blas32.General
	Labels []int
	// OneHotEncoded の時だけ n x k の one-hot 行列が入る。
	OneHot blas32.General
	Paths  []string

	Flattened     bool
	OneHotEncoded bool
}

func (s Split) Len() int {
	return len(s.Labels)
}

// Matrix は画像を n x rows*cols の行列として返す。データは共有する。
func (s Split) Matrix() blas32.General {
	if s.Flattened {
		return s.Flat
	}
	return s.Images.Flatten()
}

// Normalize は画素値を 0...1 に縮める。
func (s Split) Normalize() {
	if s.Flattened {
		tensor2d.Scal(1.0/255.0, s.Flat)
	} else {
		s.Images.Scal(1.0 / 255.0)
	}
}

// LoadImages は manifest の各行の画像を読み込み、index で番号付けしたラベルと共に返す。
func LoadImages(path string, index label.Index, opts LoadOptions) (Split, error) {
	if err := opts.Validate(); err != nil {
		return Split{}, err
	}

	records, err := manifest.Load(path, opts.Manifest)
	if err != nil {
		return Split{}, err
	}

	split, err := LoadRecords(records, index, opts)
	if err != nil {
		return Split{}, errors.Wrapf(err, "%s", path)
	}
	return split, nil
}

// LoadRecords は解析済みの records から Split を作る。
// ラベルは画像を読む前に全て引くので、未知の symbol があれば画像I/Oは起きない。
func LoadRecords(records manifest.Records, index label.Index, opts LoadOptions) (Split, error) {
	if err := opts.Validate(); err != nil {
		return Split{}, err
	}

	labels, err := index.Labels(records)
	if err != nil {
		return Split{}, err
	}

	n := len(records)
	paths := make([]string, n)
	for i, r := range records {
		p, ok := r[manifest.PathColumn]
		if !ok {
			return Split{}, errors.Wrapf(ErrMissingPath, "record %d", i)
		}
		paths[i] = p
	}

	shape := opts.Shape
	split := Split{
		Labels:        labels,
		Paths:         paths,
		Flattened:     opts.Flatten,
		OneHotEncoded: opts.OneHot,
	}

	// sample は idx 番目の画像の書き込み先。サンプル毎に重ならない。
	var sample func(idx int) []float32
	if opts.Flatten {
		split.Flat = tensor2d.NewZeros(n, shape.N())
		sample = func(idx int) []float32 { return tensor2d.Row(split.Flat, idx) }
	} else {
		split.Images = tensor4d.NewZeros(n, shape.Rows, shape.Cols, 1)
		sample = split.Images.Batch
	}

	decode := func(idx int) error {
		err := raster.Decode(paths[idx], shape, opts.Resize, sample(idx))
		if err != nil {
			return errors.Wrapf(err, "record %d", idx)
		}
		if opts.Progress != nil {
			opts.Progress()
		}
		return nil
	}

	if opts.Parallelism <= 1 || n <= 1 {
		for i := range n {
			if err := decode(i); err != nil {
				return Split{}, err
			}
		}
	} else {
		p := min(opts.Parallelism, n)
		err := parallel.For(n, p, func(workerId, idx int) error {
			return decode(idx)
		})
		if err != nil {
			return Split{}, err
		}
	}

	if opts.OneHot {
		split.OneHot, err = tensor2d.OneHot(labels, index.Len())
		if err != nil {
			return Split{}, err
		}
	}
	return split, nil
}

type Config struct {
	TrainPath string
	TestPath  string
	IndexMode IndexMode
	LoadOptions
}

// NewConfig は平坦化と one-hot を有効にした設定を返す。
func NewConfig(trainPath, testPath string) Config {
	opts := DefaultLoadOptions()
	opts.Flatten = true
	return Config{
		TrainPath:   trainPath,
		TestPath:    testPath,
		IndexMode:   UnionIndex,
		LoadOptions: opts,
	}
}

func (c Config) Validate() error {
	if c.TrainPath == "" || c.TestPath == "" {
		return fmt.Errorf("train and test manifest paths must be set")
	}
	switch c.IndexMode {
	case UnionIndex, TrainIndex, PerSplitIndex:
	default:
		return fmt.Errorf("unknown index mode: %v", c.IndexMode)
	}
	return c.LoadOptions.Validate()
}

type Dataset struct {
	Train Split
	Test  Split
	// Index は Train のラベル番号。PerSplitIndex 以外では Test も同じ Index を使う。
	Index     label.Index
	TestIndex label.Index
}

// Load は train と test の manifest を読み込む。
func Load(c Config) (Dataset, error) {
	trainRecords, testRecords, err := LoadManifests(c)
	if err != nil {
		return Dataset{}, err
	}
	return LoadFromRecords(c, trainRecords, testRecords)
}

// LoadManifests は c の train と test の manifest を解析する。
func LoadManifests(c Config) (manifest.Records, manifest.Records, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	trainRecords, err := manifest.Load(c.TrainPath, c.Manifest)
	if err != nil {
		return nil, nil, err
	}
	testRecords, err := manifest.Load(c.TestPath, c.Manifest)
	if err != nil {
		return nil, nil, err
	}
	return trainRecords, testRecords, nil
}

// LoadFromRecords は LoadManifests で解析済みの records から Dataset を作る。
// エラーメッセージには c の manifest パスが付く。
func LoadFromRecords(c Config, trainRecords, testRecords manifest.Records) (Dataset, error) {
	if err := c.Validate(); err != nil {
		return Dataset{}, err
	}

	trainIndex, err := label.FromRecords(trainRecords)
	if err != nil {
		return Dataset{}, errors.Wrapf(err, "%s", c.TrainPath)
	}
	testIndex, err := label.FromRecords(testRecords)
	if err != nil {
		return Dataset{}, errors.Wrapf(err, "%s", c.TestPath)
	}

	switch c.IndexMode {
	case UnionIndex:
		trainIndex = label.Union(trainIndex, testIndex)
		testIndex = trainIndex
	case TrainIndex:
		testIndex = trainIndex
	}

	train, err := LoadRecords(trainRecords, trainIndex, c.LoadOptions)
	if err != nil {
		return Dataset{}, errors.Wrapf(err, "%s", c.TrainPath)
	}
	test, err := LoadRecords(testRecords, testIndex, c.LoadOptions)
	if err != nil {
		return Dataset{}, errors.Wrapf(err, "%s", c.TestPath)
	}

	return Dataset{
		Train:     train,
		Test:      test,
		Index:     trainIndex,
		TestIndex: testIndex,
	}, nil
}

func (d Dataset) Normalize() {
	d.Train.Normalize()
	d.Test.Normalize()
}

// Columns は [trainX, trainY, testX, testY] を返す。各サンプルは (d, 1) の列行列で、データは共有する。
// 平坦化と one-hot が済んでいる必要がある。
func (d Dataset) Columns() ([][]blas32.General, error) {
	for _, s := range []Split{d.Train, d.Test} {
		if !s.Flattened || !s.OneHotEncoded {
			return nil, fmt.Errorf("columns require flattened images and one-hot labels")
		}
	}
	return [][]blas32.General{
		tensor2d.ToColumns(d.Train.Flat),
		tensor2d.ToColumns(d.Train.OneHot),
		tensor2d.ToColumns(d.Test.Flat),
		tensor2d.ToColumns(d.Test.OneHot),
	}, nil
}

func (d Dataset) Save(path string) error {
	return gobx.Save(d, path)
}

// LoadGob は Save で保存した Dataset を読み込む。
func LoadGob(path string) (Dataset, error) {
	d, err := gobx.Load[Dataset](path)
	if err != nil {
		return Dataset{}, errors.Wrapf(err, "failed to load dataset %s", path)
	}

	// symbol -> 番号 の対応は保存されないので作り直す
	d.Index, err = label.NewFromSymbols(d.Index.Symbols)
	if err != nil {
		return Dataset{}, err
	}
	d.TestIndex, err = label.NewFromSymbols(d.TestIndex.Symbols)
	if err != nil {
		return Dataset{}, err
	}
	return d, nil
}
