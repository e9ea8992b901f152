package backend

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type multiCloser struct {
	io.Reader
	closers []func() error
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeBody unwraps the Content-Encoding the transport asked for.
func decodeBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	for _, raw := range strings.Split(contentEncoding, ",") {
		switch strings.TrimSpace(strings.ToLower(raw)) {
		case "", "identity":
			continue
		case "gzip":
			zr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return nil, fmt.Errorf("gzip reader: %w", err)
			}
			return &multiCloser{Reader: zr, closers: []func() error{zr.Close, body.Close}}, nil
		case "zstd":
			zr, err := zstd.NewReader(body)
			if err != nil {
				_ = body.Close()
				return nil, fmt.Errorf("zstd reader: %w", err)
			}
			return &multiCloser{Reader: zr, closers: []func() error{func() error { zr.Close(); return nil }, body.Close}}, nil
		}
	}
	return body, nil
}
