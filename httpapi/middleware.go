package httpapi

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// withCORS allows cross-origin requests from any origin, since the CAPTCHA
// widget is meant to be embedded on third-party sites that the server has
// no fixed list of ahead of time.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type compressWriter struct {
	http.ResponseWriter
	w io.Writer
}

func (cw *compressWriter) Write(p []byte) (int, error) {
	return cw.w.Write(p)
}

// withCompression transparently compresses responses with brotli when the
// client's Accept-Encoding header mentions "br", otherwise with gzip when it
// mentions "gzip"; quality values are not consulted. Brotli goes first since
// it wins on compression ratio for the small JSON payloads this service
// returns.
func withCompression(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept-Encoding")
		switch {
		case strings.Contains(accept, "br"):
			bw := brotli.NewWriter(w)
			defer bw.Close()
			w.Header().Set("Content-Encoding", "br")
			w.Header().Add("Vary", "Accept-Encoding")
			next.ServeHTTP(&compressWriter{ResponseWriter: w, w: bw}, r)
		case strings.Contains(accept, "gzip"):
			gw := gzip.NewWriter(w)
			defer gw.Close()
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Add("Vary", "Accept-Encoding")
			next.ServeHTTP(&compressWriter{ResponseWriter: w, w: gw}, r)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
