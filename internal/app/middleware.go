package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/ton-connect/sockjs-bridge/internal/config"
	bridge_middleware "github.com/ton-connect/sockjs-bridge/internal/middleware"
	"github.com/ton-connect/sockjs-bridge/internal/utils"
	"golang.org/x/exp/slices"
)

// SkipRateLimitsByToken reports whether the request carries a bearer token
// listed in RATE_LIMITS_BY_PASS_TOKEN.
func SkipRateLimitsByToken(request *http.Request) bool {
	if request == nil {
		return false
	}
	authorization := request.Header.Get("Authorization")
	if authorization == "" {
		return false
	}
	token := strings.TrimPrefix(authorization, "Bearer ")
	if slices.Contains(config.Config.RateLimitsByPassToken, token) {
		TokenUsageMetric.WithLabelValues(token).Inc()
		return true
	}
	return false
}

// IsStreamingRequest is true for requests that hold a socket open:
// websocket upgrades and eventsource streams.
func IsStreamingRequest(req *http.Request) bool {
	path := req.URL.Path
	return strings.HasSuffix(path, "/websocket") || strings.HasSuffix(path, "/eventsource")
}

// IsSendRequest is true for xhr_send posts.
func IsSendRequest(req *http.Request) bool {
	return req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, "/xhr_send")
}

// ConnectionsLimitMiddleware limits concurrent connections per client for
// the requests skipper lets through.
func ConnectionsLimitMiddleware(counter *bridge_middleware.ConnectionsLimiter, skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}
			release, err := counter.LeaseConnection(c.Request())
			if err != nil {
				return c.JSON(utils.HttpResError(err.Error(), http.StatusTooManyRequests))
			}
			defer release()
			return next(c)
		}
	}
}

// LogrusLoggerMiddleware logs every request through logrus so access logs
// share the process log format. Streaming requests are logged when the
// stream ends.
func LogrusLoggerMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			res := c.Response()

			err := next(c)

			elapsed := time.Since(start)
			fields := logrus.Fields{
				"prefix":     "http",
				"remote_ip":  c.RealIP(),
				"host":       req.Host,
				"method":     req.Method,
				"uri":        req.RequestURI,
				"status":     res.Status,
				"latency":    elapsed.String(),
				"latency_ms": elapsed.Milliseconds(),
				"bytes_in":   req.Header.Get("Content-Length"),
				"bytes_out":  res.Size,
				"streaming":  IsStreamingRequest(req),
			}
			if ua := req.UserAgent(); ua != "" {
				fields["user_agent"] = ua
			}
			if origin := req.Header.Get("Origin"); origin != "" {
				fields["origin"] = utils.ExtractOrigin(origin)
			}
			if id := req.Header.Get(echo.HeaderXRequestID); id != "" {
				fields["request_id"] = id
			}
			if err != nil {
				fields["error"] = err.Error()
			}

			logrus.WithFields(fields).Info()
			return err
		}
	}
}
