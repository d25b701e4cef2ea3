package gateway

import (
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/apron/internal/config"
	"github.com/wudi/apron/internal/logging"
	"github.com/wudi/apron/internal/ratelimit"
)

// accessLogger writes one structured line per request, optionally
// sampled. Sampling applies uniformly; there is no status or method
// carve-out.
type accessLogger struct {
	enabled    bool
	sampleRate float64
	randFloat  func() float64
}

func newAccessLogger(cfg config.AccessLogConfig) *accessLogger {
	return &accessLogger{
		enabled:    cfg.Enabled,
		sampleRate: cfg.SampleRate,
		randFloat:  rand.Float64,
	}
}

// Log records one completed request. The route is empty for unmatched
// paths and the version is empty when no version pinning applied.
func (a *accessLogger) Log(r *http.Request, route string, status int, version string, d time.Duration) {
	if !a.enabled {
		return
	}
	if a.sampleRate > 0 && a.sampleRate < 1.0 && a.randFloat() >= a.sampleRate {
		return
	}

	fields := make([]zap.Field, 0, 8)
	fields = append(fields,
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Duration("duration", d),
		zap.String("remote", ratelimit.ClientIP(r)),
	)
	if route != "" {
		fields = append(fields, zap.String("route", route))
	}
	if version != "" {
		fields = append(fields, zap.String("version", version))
	}
	if id := r.Header.Get(RequestIDHeader); id != "" {
		fields = append(fields, zap.String("requestId", id))
	}

	logging.Info("access", fields...)
}
