package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/developingchet/meeting-scheduler/internal/booking"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func parseJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("invalid json: empty body")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

// statusFor maps the booking error taxonomy to an HTTP status and a body
// message. Unknown errors collapse to a generic 500.
func statusFor(err error) (int, string) {
	var (
		invalid  *booking.ValidationError
		denied   *booking.AccessDeniedError
		limited  *booking.RateLimitedError
		notFound *booking.NotFoundError
	)
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, invalid.Error()
	case errors.As(err, &denied):
		return http.StatusForbidden, "access restricted"
	case errors.As(err, &limited):
		return http.StatusTooManyRequests, limited.Error()
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// clientAddress returns the caller's IP. With trustProxy the rightmost
// X-Forwarded-For hop wins: it is the one appended by the proxy itself.
func clientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			if hop := strings.TrimSpace(hops[i]); hop != "" {
				return hop
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func withNoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
