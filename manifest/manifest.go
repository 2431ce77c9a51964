package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// PathColumn の値は読み込み時に manifest のディレクトリを基準とした絶対パスに書き換えられる。
const PathColumn = "path"

// SymbolIDColumn は正解ラベルの列名。
const SymbolIDColumn = "symbol_id"

var (
	ErrQuote       = errors.New("unterminated quoted field")
	ErrInvalidUTF8 = errors.New("invalid UTF-8")
)

// Record は1サンプル分の行。列名 -> 値。
type Record map[string]string

type Records []Record

// Column は records の name 列を順番に取り出す。列を持たない行は空文字列になる。
func (rs Records) Column(name string) []string {
	col := make([]string, len(rs))
	for i, r := range rs {
		col[i] = r[name]
	}
	return col
}

type Options struct {
	Delimiter rune
	Quote     rune
}

// DefaultOptions はHASYのCSVの慣習 (カンマ区切り、シングルクォート) に合わせた設定。
func DefaultOptions() Options {
	return Options{Delimiter: ',', Quote: '\''}
}

func (o Options) Validate() error {
	if o.Delimiter == 0 || o.Quote == 0 {
		return fmt.Errorf("delimiter and quote must be set")
	}
	if o.Delimiter == o.Quote {
		return fmt.Errorf("delimiter and quote must differ: %q", o.Delimiter)
	}
	for _, r := range []rune{o.Delimiter, o.Quote} {
		if r == '\n' || r == '\r' {
			return fmt.Errorf("delimiter and quote must not be a line break")
		}
	}
	return nil
}

type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Load は manifest ファイルを読み込み、ファイル順の Records を返す。
func Load(path string, opts Options) (Records, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest %s", path)
	}
	defer f.Close()

	records, err := Read(f, filepath.Dir(path), opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest %s", path)
	}
	return records, nil
}

// Read は1行目をヘッダーとして r を解析する。path 列は dir を基準に解決される。
// ヘッダーより短い行は存在する列だけを持ち、余分なフィールドは捨てる。
func Read(r io.Reader, dir string, opts Options) (Records, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p := &parser{r: bufio.NewReader(r), opts: opts}
	header, err := p.readRow()
	if err == io.EOF {
		return Records{}, nil
	}
	if err != nil {
		return nil, err
	}

	records := Records{}
	for {
		row, err := p.readRow()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		record := make(Record, len(header))
		for i, name := range header {
			if i >= len(row) {
				break
			}
			record[name] = row[i]
		}

		if rel, ok := record[PathColumn]; ok {
			abs, err := ResolvePath(dir, rel)
			if err != nil {
				return nil, err
			}
			record[PathColumn] = abs
		}
		records = append(records, record)
	}
	return records, nil
}

// ResolvePath は dir と rel を結合した絶対パスを返す。rel が既に絶対パスならそのまま使う。
func ResolvePath(dir, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel), nil
	}
	abs, err := filepath.Abs(filepath.Join(dir, rel))
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve path %s", rel)
	}
	return abs, nil
}

type parser struct {
	r    *bufio.Reader
	opts Options
	line int
}

// readRune は不正なUTF-8のバイトを U+FFFD に置き換えずにエラーにする。
func (p *parser) readRune(line int) (rune, error) {
	r, size, err := p.r.ReadRune()
	if err != nil {
		return 0, err
	}
	if r == utf8.RuneError && size == 1 {
		return 0, &ParseError{Line: line, Err: ErrInvalidUTF8}
	}
	return r, nil
}

// readRow は空行を読み飛ばして次の行を返す。
func (p *parser) readRow() ([]string, error) {
	for {
		row, err := p.readFields()
		if err != nil {
			return nil, err
		}
		if row != nil {
			return row, nil
		}
	}
}

// readFields は1レコードを読む。空行なら nil, nil を返す。
func (p *parser) readFields() ([]string, error) {
	r, err := p.readRune(p.line + 1)
	if err != nil {
		return nil, err
	}
	p.line++
	start := p.line

	var fields []string
	var field strings.Builder
	atStart := true
	quoted := false
	sawQuote := false

	endOfRow := func() []string {
		if len(fields) == 0 && field.Len() == 0 && !sawQuote {
			return nil
		}
		return append(fields, field.String())
	}

	for {
		switch {
		case quoted:
			if r == p.opts.Quote {
				next, err := p.readRune(p.line)
				if err != nil && err != io.EOF {
					return nil, err
				}
				if err == nil && next == p.opts.Quote {
					field.WriteRune(r)
				} else {
					quoted = false
					if err == nil {
						p.r.UnreadRune()
					}
				}
			} else {
				if r == '\n' {
					p.line++
				}
				field.WriteRune(r)
			}
		case atStart && r == p.opts.Quote:
			quoted = true
			sawQuote = true
			atStart = false
		case r == p.opts.Delimiter:
			fields = append(fields, field.String())
			field.Reset()
			atStart = true
		case r == '\n':
			return endOfRow(), nil
		case r == '\r':
			next, err := p.readRune(p.line + 1)
			if err != nil && err != io.EOF {
				return nil, err
			}
			if err == nil && next != '\n' {
				p.r.UnreadRune()
			}
			return endOfRow(), nil
		default:
			field.WriteRune(r)
			atStart = false
		}

		r, err = p.readRune(p.line)
		if err == io.EOF {
			if quoted {
				return nil, &ParseError{Line: start, Err: ErrQuote}
			}
			return endOfRow(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}
