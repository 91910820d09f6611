package observability

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/transport"
)

// MetricsMiddleware wraps an Exchange to record request metrics.
//
// It captures:
//   - sitehost_requests_total (counter): one per exchange with verb and status class labels
//   - sitehost_request_duration_seconds (histogram): exchange duration with a verb label
func MetricsMiddleware(next transport.Exchange) transport.Exchange {
	return transport.ExchangeFunc(func(ctx context.Context, req api.Request, sink api.ResponseSink) {
		start := time.Now()

		sw := &statusSink{ResponseSink: sink}
		next.ServeExchange(ctx, req, sw)

		verb := "OTHER"
		if v, ok := api.ParseVerb(req.Method()); ok {
			verb = v.String()
		}

		RequestsTotal.WithLabelValues(verb, statusClass(sw.Status())).Inc()
		RequestDuration.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	})
}

func statusClass(status int) string {
	if status == 0 {
		status = 200
	}
	return strconv.Itoa(status/100) + "xx"
}

// statusSink wraps a ResponseSink to capture the status code.
type statusSink struct {
	api.ResponseSink

	mu     sync.Mutex
	status int
}

func (s *statusSink) SetStatus(code int, reason string) {
	s.mu.Lock()
	if s.status == 0 {
		s.status = code
	}
	s.mu.Unlock()
	s.ResponseSink.SetStatus(code, reason)
}

// Status returns the first status set, or 0.
func (s *statusSink) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
