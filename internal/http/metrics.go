package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/vitalwatch/internal/http"

// requestMetrics records admin API traffic. Instruments that fail to register
// stay nil and are skipped.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	m := &requestMetrics{}
	var err error

	m.requests, err = meter.Int64Counter("vitalwatch.http.requests",
		metric.WithDescription("Admin API requests by method, route and status class"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create request counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram("vitalwatch.http.request.duration",
		metric.WithDescription("Admin API request latency; on-demand evaluation dominates the upper buckets"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.25, 1, 2.5, 5, 10, 20),
	)
	if err != nil {
		logger.Warn("failed to create request duration histogram", zap.Error(err))
	}

	m.inFlight, err = meter.Int64UpDownCounter("vitalwatch.http.requests.in_flight",
		metric.WithDescription("Admin API requests currently being served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create in-flight counter", zap.Error(err))
	}
	return m
}

func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("http.method", c.Request().Method),
				attribute.String("http.route", routeLabel(c)),
				attribute.String("http.status_class", statusClass(responseStatus(c, err))),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// routeLabel is the registered route template, so /api/v1/rules/:id stays
// one series regardless of id.
func routeLabel(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return "unmatched"
}

// responseStatus reports the status the error handler will write when the
// handler returned an error, since the response is not committed yet.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
