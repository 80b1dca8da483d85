package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var (
	gzipPool = sync.Pool{New: func() any { return gzip.NewWriter(io.Discard) }}
	brPool   = sync.Pool{New: func() any { return brotli.NewWriterLevel(io.Discard, brotli.DefaultCompression) }}
)

type resetWriteCloser interface {
	io.WriteCloser
	Reset(io.Writer)
}

// compressWriter decides on the first header write whether the body is
// compressible; 1xx, 204 and 304 responses pass through untouched.
type compressWriter struct {
	http.ResponseWriter
	encoding    string
	enc         resetWriteCloser
	wroteHeader bool
}

func (w *compressWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	h := w.Header()
	if status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified && h.Get("Content-Encoding") == "" {
		w.enc = acquire(w.encoding)
		w.enc.Reset(w.ResponseWriter)
		h.Set("Content-Encoding", w.encoding)
		h.Del("Content-Length")
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *compressWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.enc == nil {
		return w.ResponseWriter.Write(b)
	}
	return w.enc.Write(b)
}

func (w *compressWriter) close() {
	if w.enc == nil {
		return
	}
	w.enc.Close()
	release(w.encoding, w.enc)
	w.enc = nil
}

func acquire(encoding string) resetWriteCloser {
	if encoding == "br" {
		return brPool.Get().(*brotli.Writer)
	}
	return gzipPool.Get().(*gzip.Writer)
}

func release(encoding string, enc resetWriteCloser) {
	if encoding == "br" {
		brPool.Put(enc)
		return
	}
	gzipPool.Put(enc)
}

// negotiateEncoding prefers brotli over gzip. q=0 entries are refused.
func negotiateEncoding(header string) string {
	var br, gz bool
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "br":
			br = true
		case "gzip":
			gz = true
		}
	}
	switch {
	case br:
		return "br"
	case gz:
		return "gzip"
	}
	return ""
}

// Compress encodes response bodies with brotli or gzip when the client
// accepts it. WebSocket upgrades are never wrapped since they need the
// underlying Hijacker.
func Compress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}
		encoding := negotiateEncoding(r.Header.Get("Accept-Encoding"))
		w.Header().Add("Vary", "Accept-Encoding")
		if encoding == "" || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		cw := &compressWriter{ResponseWriter: w, encoding: encoding}
		defer cw.close()
		next.ServeHTTP(cw, r)
	})
}
