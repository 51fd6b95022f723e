package cache

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
)

var brotliPool = sync.Pool{
	New: func() interface{} {
		return brotli.NewWriterLevel(io.Discard, brotli.DefaultCompression)
	},
}

// compress brotli-encodes b. There is no guarantee the output is smaller.
func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotliPool.Get().(*brotli.Writer)
	defer brotliPool.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("brotli write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("brotli close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(b []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(b)))
	if err != nil {
		return nil, fmt.Errorf("brotli read: %w", err)
	}
	return out, nil
}
