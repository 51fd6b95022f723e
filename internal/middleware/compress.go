package middleware

import (
	"bufio"
	"compress/gzip"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var (
	gzipPool = sync.Pool{New: func() interface{} { return gzip.NewWriter(io.Discard) }}
	brPool   = sync.Pool{New: func() interface{} { return brotli.NewWriterLevel(io.Discard, brotli.DefaultCompression) }}
)

// encoder is the subset shared by gzip and brotli writers.
type encoder interface {
	io.WriteCloser
	Reset(io.Writer)
}

// compressWriter starts the encoder on first write so bodiless responses
// (204, 304) go out untouched.
type compressWriter struct {
	http.ResponseWriter
	encoding    string
	enc         encoder
	wroteHeader bool
	bypass      bool
}

func (w *compressWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if status == http.StatusNoContent || status == http.StatusNotModified || status < 200 {
		w.bypass = true
	} else if w.Header().Get("Content-Encoding") != "" {
		w.bypass = true // already encoded by the handler
	} else {
		w.Header().Set("Content-Encoding", w.encoding)
		w.Header().Del("Content-Length") // Length will change after compression
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *compressWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.bypass {
		return w.ResponseWriter.Write(b)
	}
	if w.enc == nil {
		w.enc = getEncoder(w.encoding)
		w.enc.Reset(w.ResponseWriter)
	}
	return w.enc.Write(b)
}

// Flush pushes buffered compressed bytes to the client.
func (w *compressWriter) Flush() {
	if fl, ok := w.enc.(interface{ Flush() error }); ok {
		_ = fl.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through untouched.
func (w *compressWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("compress: underlying writer cannot hijack")
	}
	w.bypass = true
	return h.Hijack()
}

func (w *compressWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *compressWriter) close() {
	if w.enc == nil {
		return
	}
	w.enc.Close()
	putEncoder(w.encoding, w.enc)
	w.enc = nil
}

func getEncoder(encoding string) encoder {
	if encoding == "br" {
		return brPool.Get().(*brotli.Writer)
	}
	return gzipPool.Get().(*gzip.Writer)
}

func putEncoder(encoding string, e encoder) {
	if encoding == "br" {
		brPool.Put(e)
		return
	}
	gzipPool.Put(e)
}

// negotiateEncoding picks br over gzip from Accept-Encoding. Entries with
// q=0 are refused. Returns "" when neither is acceptable.
func negotiateEncoding(header string) string {
	accepted := map[string]bool{}
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		if q == "q=0" || q == "q=0.0" || q == "q=0.00" || q == "q=0.000" {
			continue
		}
		accepted[name] = true
	}
	switch {
	case accepted["br"]:
		return "br"
	case accepted["gzip"]:
		return "gzip"
	}
	return ""
}

// Compress returns a middleware that compresses responses with brotli or
// gzip, whichever the client prefers from what it accepts (brotli first).
func Compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")

		encoding := negotiateEncoding(r.Header.Get("Accept-Encoding"))
		if encoding == "" || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		cw := &compressWriter{ResponseWriter: w, encoding: encoding}
		defer cw.close()
		next.ServeHTTP(cw, r)
	})
}
