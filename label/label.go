package label

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sw965/hasy/manifest"
	"github.com/sw965/omw/encoding/jsonx"
)

var (
	ErrUnknownSymbol   = errors.New("symbol_id is not in the label index")
	ErrMissingSymbolID = errors.New("record has no symbol_id")
)

// Index は symbol_id を 0...k-1 の整数に対応付ける。番号は初出順。
type Index struct {
	Symbols []string
	ids     map[string]int
}

func New() Index {
	return Index{Symbols: []string{}, ids: map[string]int{}}
}

// NewFromSymbols は symbols の並び順で番号を振る。重複はエラー。
func NewFromSymbols(symbols []string) (Index, error) {
	idx := New()
	for _, s := range symbols {
		if idx.Has(s) {
			return Index{}, fmt.Errorf("duplicate symbol_id %q", s)
		}
		idx.add(s)
	}
	return idx, nil
}

// Generate は manifest を1回走査して Index を作る。
func Generate(path string) (Index, error) {
	return GenerateWith(path, manifest.DefaultOptions())
}

// GenerateWith は区切り文字と引用符を opts で指定する Generate。
func GenerateWith(path string, opts manifest.Options) (Index, error) {
	records, err := manifest.Load(path, opts)
	if err != nil {
		return Index{}, err
	}
	idx, err := FromRecords(records)
	if err != nil {
		return Index{}, errors.Wrapf(err, "%s", path)
	}
	return idx, nil
}

func FromRecords(records manifest.Records) (Index, error) {
	idx := New()
	for i, r := range records {
		s, ok := r[manifest.SymbolIDColumn]
		if !ok {
			return Index{}, errors.Wrapf(ErrMissingSymbolID, "record %d", i)
		}
		if !idx.Has(s) {
			idx.add(s)
		}
	}
	return idx, nil
}

// Union は先頭の Index の番号を保ったまま、後続の Index にしか無い symbol を末尾に追加する。
// train と test で同じ番号を共有するための正準な Index になる。
func Union(indices ...Index) Index {
	u := New()
	for _, idx := range indices {
		for _, s := range idx.Symbols {
			if !u.Has(s) {
				u.add(s)
			}
		}
	}
	return u
}

func (idx *Index) add(s string) {
	if idx.ids == nil {
		idx.ids = map[string]int{}
	}
	idx.ids[s] = len(idx.Symbols)
	idx.Symbols = append(idx.Symbols, s)
}

func (idx Index) Len() int {
	return len(idx.Symbols)
}

func (idx Index) Has(s string) bool {
	_, ok := idx.ids[s]
	return ok
}

func (idx Index) Lookup(s string) (int, error) {
	i, ok := idx.ids[s]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownSymbol, "%q", s)
	}
	return i, nil
}

func (idx Index) Symbol(i int) (string, error) {
	if i < 0 || i >= len(idx.Symbols) {
		return "", fmt.Errorf("label %d is out of range [0, %d)", i, len(idx.Symbols))
	}
	return idx.Symbols[i], nil
}

// Map は symbol_id -> 番号 のコピーを返す。
func (idx Index) Map() map[string]int {
	m := make(map[string]int, len(idx.ids))
	for s, i := range idx.ids {
		m[s] = i
	}
	return m
}

// Difference は idx にあって other に無い symbol を idx の順番で返す。
func (idx Index) Difference(other Index) []string {
	diff := []string{}
	for _, s := range idx.Symbols {
		if !other.Has(s) {
			diff = append(diff, s)
		}
	}
	return diff
}

// Labels は records の各行の番号を返す。1つでも未知の symbol があれば失敗する。
func (idx Index) Labels(records manifest.Records) ([]int, error) {
	labels := make([]int, len(records))
	for i, r := range records {
		s, ok := r[manifest.SymbolIDColumn]
		if !ok {
			return nil, errors.Wrapf(ErrMissingSymbolID, "record %d", i)
		}
		label, err := idx.Lookup(s)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
		labels[i] = label
	}
	return labels, nil
}

func LoadJSON(path string) (Index, error) {
	symbols, err := jsonx.Load[[]string](path)
	if err != nil {
		return Index{}, errors.Wrapf(err, "failed to load label index %s", path)
	}
	return NewFromSymbols(symbols)
}

// SaveJSON は番号順の symbol の配列として保存する。
func (idx Index) SaveJSON(path string) error {
	return jsonx.Save[[]string](idx.Symbols, path)
}
