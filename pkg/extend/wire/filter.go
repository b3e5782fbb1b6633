package wire

import (
	"compress/gzip"
	"io"
)

// StreamFilter wraps a buffer output/input symmetrically — compression
// being the canonical example. An ordered chain of filters is applied on
// encode and unwound in reverse on decode.
type StreamFilter interface {
	Name() string
	WrapWriter(w io.Writer) io.WriteCloser
	WrapReader(r io.Reader) io.Reader
}

// FilterChain applies an ordered list of StreamFilter to a frame. Encode
// wraps outermost-last (the last filter in the chain is the outermost
// layer on the wire); Decode unwinds in the reverse order.
type FilterChain []StreamFilter

func (c FilterChain) WrapWriter(w io.Writer) (io.Writer, []io.Closer) {
	closers := make([]io.Closer, 0, len(c))
	for i := len(c) - 1; i >= 0; i-- {
		wc := c[i].WrapWriter(w)
		closers = append(closers, wc)
		w = wc
	}
	return w, closers
}

func (c FilterChain) WrapReader(r io.Reader) io.Reader {
	for i := len(c) - 1; i >= 0; i-- {
		r = c[i].WrapReader(r)
	}
	return r
}

// GzipFilter is the reference StreamFilter: gzip compression of the whole
// frame.
type GzipFilter struct{}

func (GzipFilter) Name() string { return "gzip" }

func (GzipFilter) WrapWriter(w io.Writer) io.WriteCloser {
	return gzip.NewWriter(w)
}

func (GzipFilter) WrapReader(r io.Reader) io.Reader {
	return &lazyGzipReader{src: r}
}

// lazyGzipReader defers the gzip header read to the first Read call,
// since WrapReader cannot fail and the header bytes may not be buffered
// yet at wrap time.
type lazyGzipReader struct {
	src io.Reader
	zr  *gzip.Reader
}

func (l *lazyGzipReader) Read(p []byte) (int, error) {
	if l.zr == nil {
		zr, err := gzip.NewReader(l.src)
		if err != nil {
			return 0, err
		}
		l.zr = zr
	}
	return l.zr.Read(p)
}
