package middleware

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/carpenike/cspd/internal/policy"
)

// NewNonce returns 128 random bits, base64 encoded.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("middleware: generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// CSP gives every request fresh policy.Attachments in its context and
// writes the Content-Security-Policy headers built from them just before
// the response header is sent. Handlers attach nonces, hashes, and sources
// while rendering, before their first write.
func CSP(b *policy.Builder, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nonce, err := NewNonce()
			if err != nil {
				log.Error("csp nonce", zap.Error(err))
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			att := policy.NewAttachments(nonce)
			r = r.WithContext(policy.NewContext(r.Context(), att))

			cw := &cspWriter{ResponseWriter: w, apply: func(h http.Header) {
				b.Apply(r.Context(), h, att)
			}}
			next.ServeHTTP(cw, r)
			cw.applyOnce()
		})
	}
}

// cspWriter applies the policy headers on the first WriteHeader or Write.
type cspWriter struct {
	http.ResponseWriter
	apply   func(http.Header)
	applied bool
}

func (w *cspWriter) applyOnce() {
	if w.applied {
		return
	}
	w.applied = true
	w.apply(w.ResponseWriter.Header())
}

func (w *cspWriter) WriteHeader(code int) {
	w.applyOnce()
	w.ResponseWriter.WriteHeader(code)
}

func (w *cspWriter) Write(b []byte) (int, error) {
	w.applyOnce()
	return w.ResponseWriter.Write(b)
}

// Flush sends buffered data, applying the policy first.
func (w *cspWriter) Flush() {
	w.applyOnce()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands over the connection; no policy is written for hijacked
// connections.
func (w *cspWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("middleware: response writer does not support hijacking")
	}
	w.applied = true
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *cspWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
