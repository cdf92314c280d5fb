package sheets

// stream.go holds the io.Reader wrappers applied to delimited text before it
// reaches encoding/csv:
//
//   - bomReader drops a leading UTF-8 byte order mark written by Excel on Windows
//   - utf8Reader replaces invalid UTF-8 bytes with '?' without buffering the file
//   - CountingReader reports bytes consumed for progress

import (
	"bytes"
	"io"
	"sync/atomic"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type bomReader struct {
	r       io.Reader
	checked bool
	head    []byte
}

func newBOMReader(r io.Reader) *bomReader {
	return &bomReader{r: r}
}

func (b *bomReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		buf := make([]byte, len(utf8BOM))
		n, err := io.ReadFull(b.r, buf)
		switch {
		case err == io.ErrUnexpectedEOF || err == io.EOF:
			// Short input: keep whatever was read.
		case err != nil:
			return 0, err
		}
		if n == len(utf8BOM) && bytes.Equal(buf, utf8BOM) {
			n = 0
		}
		b.head = buf[:n]
	}

	if len(b.head) > 0 {
		n := copy(p, b.head)
		b.head = b.head[n:]
		return n, nil
	}
	return b.r.Read(p)
}

// utf8Reader sanitizes in place. A multi-byte sequence split across reads is
// held back until the next read completes it.
type utf8Reader struct {
	r       io.Reader
	pending []byte
}

func newUTF8Reader(r io.Reader) *utf8Reader {
	return &utf8Reader{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (u *utf8Reader) Read(p []byte) (int, error) {
	if len(p) < utf8.UTFMax {
		// Too small to hold a held-back sequence plus progress.
		buf := make([]byte, utf8.UTFMax)
		n, err := u.Read(buf)
		copy(p, buf[:n])
		if n > len(p) {
			u.pending = append(buf[len(p):n:n], u.pending...)
			return len(p), nil
		}
		return n, err
	}

	off := copy(p, u.pending)
	u.pending = u.pending[:0]

	n, err := u.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}
	return u.sanitize(p[:n], err != nil), err
}

func (u *utf8Reader) sanitize(data []byte, final bool) int {
	if !final {
		if k := partialTail(data); k > 0 {
			u.pending = append(u.pending, data[len(data)-k:]...)
			data = data[:len(data)-k]
		}
	}
	if utf8.Valid(data) {
		return len(data)
	}

	w := 0
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			data[w] = '?'
			w++
			i++
			continue
		}
		copy(data[w:], data[i:i+size])
		w += size
		i += size
	}
	return w
}

// partialTail returns how many trailing bytes begin a multi-byte rune that
// is not complete yet.
func partialTail(data []byte) int {
	for k := 1; k <= utf8.UTFMax-1 && k <= len(data); k++ {
		c := data[len(data)-k]
		if c&0xC0 == 0x80 {
			continue // continuation byte
		}
		if c < 0xC0 {
			return 0
		}
		if need := leadLen(c); k < need {
			return k
		}
		return 0
	}
	return 0
}

func leadLen(c byte) int {
	switch {
	case c >= 0xF0:
		return 4
	case c >= 0xE0:
		return 3
	case c >= 0xC0:
		return 2
	default:
		return 1
	}
}

// CountingReader counts bytes read from the wrapped reader. Read and
// Progress may be called from different goroutines.
type CountingReader struct {
	r     io.Reader
	n     atomic.Int64
	total int64
}

// NewCountingReader wraps r. total is the expected size, or 0 when unknown.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{r: r, total: total}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// BytesRead returns the number of bytes read so far.
func (c *CountingReader) BytesRead() int64 { return c.n.Load() }

// Fraction returns read progress in [0, 1], or 0 when the total is unknown.
func (c *CountingReader) Fraction() float64 {
	if c.total <= 0 {
		return 0
	}
	return min(1, float64(c.n.Load())/float64(c.total))
}

// cleanText strips a BOM and sanitizes UTF-8.
func cleanText(r io.Reader) io.Reader {
	return newUTF8Reader(newBOMReader(r))
}
