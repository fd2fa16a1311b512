package flightlog

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// MaxLineBytes — предел длины строки; более длинная строка становится MalformedLine,
// а чтение продолжается со следующей строки.
const MaxLineBytes = 16 << 20

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Reader последовательно выдает по одной записи на строку, сохраняя порядок файла.
// Reader владеет источником: Close закрывает его, если источник закрываемый.
type Reader struct {
	br      *bufio.Reader
	closer  io.Closer
	maxLine int
	line    int
}

// NewReader оборачивает поток. Закрытие потока остается на вызывающей стороне.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, MaxLineBytes)
}

// NewReaderSize — то же, но с собственным пределом длины строки.
func NewReaderSize(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = MaxLineBytes
	}
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), maxLine: maxLine}
}

// Open открывает журнал на диске. Ошибка открытия фатальна для прогона.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("flightlog: open input: %w", err)
	}
	rd := NewReader(f)
	rd.closer = f
	return rd, nil
}

// Close освобождает источник (идемпотентно).
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Lines — сколько строк уже выдано.
func (r *Reader) Lines() int { return r.line }

// Next возвращает следующую запись или io.EOF. Иная ошибка — сбой чтения источника.
func (r *Reader) Next() (Record, error) {
	raw, longDigest, err := r.readLine()
	if err != nil {
		return Record{}, err
	}
	r.line++
	if longDigest != "" {
		return malformed(r.line, longDigest, fmt.Sprintf("line exceeds %d bytes", r.maxLine)), nil
	}
	if r.line == 1 {
		raw = bytes.TrimPrefix(raw, utf8BOM)
	}
	return Classify(r.line, raw), nil
}

// ReadAll читает поток до конца.
func ReadAll(src io.Reader) ([]Record, error) {
	rd := NewReader(src)
	var out []Record
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// readLine возвращает строку без EOL. Для слишком длинной строки тело не
// накапливается: вместо него возвращается потоковый SHA-256 ее содержимого.
func (r *Reader) readLine() ([]byte, string, error) {
	var (
		buf  []byte
		h    hash.Hash
		read int
	)
	for {
		chunk, err := r.br.ReadSlice('\n')
		read += len(chunk)
		last := err == nil || errors.Is(err, io.EOF)
		if last {
			chunk = trimEOL(chunk)
		}

		if h == nil && len(buf)+len(chunk) > r.maxLine {
			h = sha256.New()
			h.Write(buf)
			buf = nil
		}
		if h != nil {
			h.Write(chunk)
		} else {
			buf = append(buf, chunk...)
		}

		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if read == 0 {
				return nil, "", io.EOF
			}
		default:
			return nil, "", fmt.Errorf("flightlog: read input: %w", err)
		}

		if h != nil {
			return nil, hex.EncodeToString(h.Sum(nil)), nil
		}
		return buf, "", nil
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte{'\n'})
	return bytes.TrimSuffix(b, []byte{'\r'})
}
