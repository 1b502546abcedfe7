package progress

import (
	"io"
	"sync/atomic"
)

// Reader wraps an io.Reader and counts the bytes read through it. The
// counter may be read concurrently with Read.
type Reader struct {
	r          io.Reader
	total      int64
	read       atomic.Int64
	onProgress func(read, total int64)
}

// NewReader wraps r. total is the expected byte count, or <= 0 if unknown.
// cb, if not nil, is called after every read that returned data.
func NewReader(r io.Reader, total int64, cb func(read, total int64)) *Reader {
	return &Reader{r: r, total: total, onProgress: cb}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		read := pr.read.Add(int64(n))
		if pr.onProgress != nil {
			pr.onProgress(read, pr.total)
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read.Load()
}

// Fraction returns progress in [0, 1]. With an unknown total it stays at 0
// until the caller marks the transfer complete.
func (pr *Reader) Fraction() float64 {
	if pr.total <= 0 {
		return 0
	}

	f := float64(pr.read.Load()) / float64(pr.total)
	if f > 1 {
		return 1
	}

	return f
}
