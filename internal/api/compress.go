package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
)

const (
	encodingGzip    = "gzip"
	encodingDeflate = "deflate"
)

// negotiateEncoding picks gzip, then deflate, from an Accept-Encoding header.
// It returns "" for identity. HTTP deflate is the zlib format.
func negotiateEncoding(header string) string {
	accepted := map[string]bool{}
	wildcard := false
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || !qualityAccepts(params) {
			if name != "" {
				accepted[name] = false
			}
			continue
		}
		if name == "*" {
			wildcard = true
			continue
		}
		accepted[name] = true
	}
	for _, enc := range []string{encodingGzip, encodingDeflate} {
		ok, listed := accepted[enc]
		if ok || (!listed && wildcard) {
			return enc
		}
	}
	return ""
}

func qualityAccepts(params string) bool {
	for _, p := range strings.Split(params, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found || strings.ToLower(strings.TrimSpace(key)) != "q" {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return false
		}
		return q > 0
	}
	return true
}

// writeEncoded writes body with the best encoding the client accepts.
func writeEncoded(w http.ResponseWriter, r *http.Request, body []byte) error {
	return writeEncodedWith(w, r, body, encode)
}

// writeEncodedWith falls back to the identity body when encoding fails.
func writeEncodedWith(w http.ResponseWriter, r *http.Request, body []byte, encodeFn func(string, []byte) ([]byte, error)) error {
	h := w.Header()
	h.Add("Vary", "Accept-Encoding")

	payload := body
	if enc := negotiateEncoding(r.Header.Get("Accept-Encoding")); enc != "" {
		encoded, err := encodeFn(enc, body)
		if err != nil {
			zap.L().Warn("response encoding failed, sending identity", zap.String("encoding", enc), zap.Error(err))
		} else {
			h.Set("Content-Encoding", enc)
			payload = encoded
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

func encode(enc string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	var zw io.WriteCloser
	switch enc {
	case encodingGzip:
		zw = gzip.NewWriter(&buf)
	case encodingDeflate:
		zw = zlib.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("%s encode: %w", enc, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%s close: %w", enc, err)
	}
	return buf.Bytes(), nil
}
