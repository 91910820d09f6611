// Package dispatch turns raw Transport requests into Messages: it resolves
// the site, gates authentication, detects event streams and WebSocket
// upgrades, maps and tunnels verbs, short-circuits conditional GETs and
// acquires the request body.
package dispatch

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/sitehost/pkg/api"
	"github.com/rhuss/sitehost/pkg/auth"
	"github.com/rhuss/sitehost/pkg/debug"
	"github.com/rhuss/sitehost/pkg/events"
	"github.com/rhuss/sitehost/pkg/observability"
	"github.com/rhuss/sitehost/pkg/site"
	"github.com/rhuss/sitehost/pkg/transport"
)

// Kind tells the caller what to do with a dispatch Result.
type Kind int

const (
	// KindMessage is an ordinary exchange for the site handler.
	KindMessage Kind = iota

	// KindStream is an event stream subscription. The Message is passed to
	// the site's stream handler for approval.
	KindStream

	// KindUpgrade is a WebSocket upgrade request for the site.
	KindUpgrade

	// KindTerminal carries a synthesized response (404, 413, 501, 304...)
	// that the caller sends without invoking the site.
	KindTerminal

	// KindHandled means a response was already produced. Nothing further
	// is done with the request.
	KindHandled
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindStream:
		return "stream"
	case KindUpgrade:
		return "upgrade"
	case KindTerminal:
		return "terminal"
	default:
		return "handled"
	}
}

// Result is the outcome of Dispatch.
type Result struct {
	Kind    Kind
	Message *api.Message
	Stream  *events.Stream
}

// Override hints for verb tunneling.
const (
	MethodOverrideHeader = "X-HTTP-Method-Override"
	MethodOverrideField  = "_method"
)

// Dispatcher builds Messages from raw requests.
type Dispatcher struct {
	sites   *site.Registry
	streams *events.Manager
	writer  api.Responder
	authn   auth.Authenticator
	limiter auth.RateLimiter
	maxBody int64
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAuthenticator sets the authenticator used for site auth gating.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(d *Dispatcher) { d.authn = a }
}

// WithRateLimiter sets the per-identity limiter applied after
// authentication.
func WithRateLimiter(l auth.RateLimiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithMaxBodySize caps request bodies. Zero means no cap.
func WithMaxBodySize(n int64) Option {
	return func(d *Dispatcher) { d.maxBody = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a Dispatcher. streams may be nil, in which case event stream
// requests are served as ordinary GETs.
func New(sites *site.Registry, streams *events.Manager, w api.Responder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sites:   sites,
		streams: streams,
		writer:  w,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch builds the Message for req. Per-request failures never surface as
// errors: they become a KindTerminal Message carrying the status, or
// KindHandled when the response was already written.
func (d *Dispatcher) Dispatch(req api.Request, sink api.ResponseSink) Result {
	ctx := req.Context()
	msg := api.NewMessage(ctx, sink, req)
	d.extract(req, msg)

	logger := d.logger.With("request_id", msg.RequestID, "conn_id", msg.ConnID)
	debug.Log(debug.Dispatch, "dispatching", "method", msg.Method, "url", msg.URL, "remote", msg.RemoteAddr)

	s, ok := d.sites.Find(req.Port(), msg.Path)
	if !ok {
		return terminal(msg, http.StatusNotFound, "")
	}
	msg.Site = s
	if !s.Started() {
		logger.Warn("request for site that is not started", "site", s.Name)
		return terminal(msg, http.StatusServiceUnavailable, "")
	}
	msg.Route, _ = s.Route(msg.Path)

	if !d.authenticate(msg, logger) {
		return Result{Kind: KindHandled, Message: msg}
	}

	if d.isEventStream(msg) {
		stream, err := d.streams.Subscribe(msg.RemoteAddr, s, msg)
		if err != nil {
			msg.Status = api.StatusFromError(err)
			msg.Release()
			if serr := d.writer.Send(msg); serr != nil {
				logger.Warn("stream rejection not delivered", "error", serr)
			}
			return Result{Kind: KindHandled, Message: msg}
		}
		return Result{Kind: KindStream, Message: msg, Stream: stream}
	}

	if s.WebSockets && isUpgrade(msg.Headers) {
		return Result{Kind: KindUpgrade, Message: msg}
	}

	if msg.Verb == api.VerbUnknown {
		if s.VerbFallback == api.VerbUnknown {
			logger.Info("unsupported verb", "method", msg.Method)
			return terminal(msg, http.StatusNotImplemented, "Not Supported")
		}
		msg.Verb = s.VerbFallback
		debug.Log(debug.Dispatch, "verb fallback", "method", msg.Method, "verb", msg.Verb)
	}

	if d.notModified(msg) {
		return terminal(msg, http.StatusNotModified, "")
	}

	if !d.acquireBody(req, msg, logger) {
		return terminal(msg, http.StatusRequestEntityTooLarge, "")
	}

	if msg.Verb == api.VerbPost && s.VerbTunneling {
		d.tunnel(msg, logger)
	}

	return Result{Kind: KindMessage, Message: msg}
}

func terminal(msg *api.Message, status int, reason string) Result {
	msg.Status = status
	msg.Reason = reason
	return Result{Kind: KindTerminal, Message: msg}
}

// extract copies the known headers, cookies, verb and addressing from req.
func (d *Dispatcher) extract(req api.Request, msg *api.Message) {
	msg.Method = req.Method()
	msg.Verb, _ = api.ParseVerb(msg.Method)
	msg.URL = req.URL()
	msg.Path, msg.Query, _ = strings.Cut(msg.URL, "?")
	if msg.Path == "" {
		msg.Path = "/"
	}
	msg.RemoteAddr = req.RemoteAddr()
	msg.ConnID = req.ConnectionID()

	msg.RequestID = transport.RequestIDFromContext(req.Context())
	if msg.RequestID == "" {
		msg.RequestID = req.Header(transport.RequestIDHeader)
	}
	if msg.RequestID == "" {
		msg.RequestID = transport.NewRequestID()
	}

	h := &msg.Headers
	for name, values := range req.Headers() {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		switch http.CanonicalHeaderKey(name) {
		case "Content-Type":
			h.ContentType = v
		case "Content-Length":
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil || n < 0 {
				d.logger.Debug("malformed content length ignored", "value", v)
				n = -1
			}
			h.ContentLength = n
		case "Accept-Encoding":
			h.AcceptEncoding = v
		case "Accept":
			h.Accept = v
		case "Cookie":
			h.Cookie = strings.Join(values, "; ")
		case "Authorization":
			h.Authorization = v
		case "If-Modified-Since":
			h.IfModifiedSince = v
		case "Referer":
			h.Referrer = v
		case "Upgrade":
			h.Upgrade = v
		case "Connection":
			h.Connection = strings.Join(values, ", ")
		default:
			msg.Unknown[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}

	if h.Cookie != "" {
		cookies, err := http.ParseCookie(h.Cookie)
		if err != nil {
			d.logger.Debug("malformed cookie header", "error", err)
		}
		for _, c := range cookies {
			msg.Cookies[c.Name] = c.Value
		}
	}
}

// authenticate gates the site's auth requirement. It reports false when the
// request was answered (401 or 429). Credentials on a site that does not
// require auth are checked best-effort so handlers still see the identity.
func (d *Dispatcher) authenticate(msg *api.Message, logger *slog.Logger) bool {
	s := msg.Site
	required := s.Auth.Required
	if !required && (msg.Headers.Authorization == "" || d.authn == nil) {
		return true
	}

	var result auth.AuthResult
	if d.authn == nil {
		result = auth.AuthResult{Decision: auth.No, Err: auth.ErrUnauthenticated}
	} else {
		result = d.authn.Authenticate(msg.Context(), auth.Credentials{
			Authorization: msg.Headers.Authorization,
			RemoteAddr:    msg.RemoteAddr,
			Site:          s.Name,
		})
	}

	if result.Decision != auth.Yes || result.Identity == nil {
		if !required {
			debug.Log(debug.Auth, "optional credentials rejected", "site", s.Name, "error", result.Err)
			return true
		}
		observability.AuthFailuresTotal.WithLabelValues(s.Name).Inc()
		logger.Info("authentication failed", "site", s.Name, "error", result.Err)
		status := http.StatusUnauthorized
		if errors.Is(result.Err, auth.ErrForbidden) {
			status = http.StatusForbidden
		}
		d.answer(msg, status, logger)
		return false
	}

	msg.Token = auth.Acquire(result.Identity, nil)
	debug.Log(debug.Auth, "authenticated", "site", s.Name, "subject", result.Identity.Subject)

	if d.limiter != nil {
		if err := d.limiter.Allow(msg.Context(), result.Identity); err != nil {
			tier := result.Identity.ServiceTier
			if tier == "" {
				tier = "default"
			}
			observability.RateLimitRejectedTotal.WithLabelValues(tier).Inc()
			logger.Info("rate limit exceeded", "subject", result.Identity.Subject, "tier", tier)
			var le *auth.LimitError
			if errors.As(err, &le) {
				msg.Header.Set("Retry-After", strconv.Itoa(int(math.Ceil(le.RetryAfter.Seconds()))))
			}
			msg.Release()
			d.answer(msg, http.StatusTooManyRequests, logger)
			return false
		}
	}
	return true
}

func (d *Dispatcher) answer(msg *api.Message, status int, logger *slog.Logger) {
	msg.Status = status
	if err := d.writer.Send(msg); err != nil {
		logger.Warn("response not delivered", "status", status, "error", err)
	}
}

func (d *Dispatcher) isEventStream(msg *api.Message) bool {
	if d.streams == nil || msg.Verb != api.VerbGet {
		return false
	}
	if msg.Site.EventStream {
		return true
	}
	return strings.HasPrefix(msg.Headers.Accept, "text/event-stream") ||
		strings.HasPrefix(msg.Headers.AcceptEncoding, "text/event-stream")
}

func isUpgrade(h api.KnownHeaders) bool {
	if !strings.EqualFold(strings.TrimSpace(h.Upgrade), "websocket") {
		return false
	}
	for _, tok := range strings.Split(h.Connection, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

// notModified reports whether a conditional GET can be answered with 304.
func (d *Dispatcher) notModified(msg *api.Message) bool {
	if msg.Verb != api.VerbGet || msg.Headers.IfModifiedSince == "" || msg.Site.ModTime == nil {
		return false
	}
	since, err := http.ParseTime(msg.Headers.IfModifiedSince)
	if err != nil {
		debug.Log(debug.Dispatch, "unparseable If-Modified-Since", "value", msg.Headers.IfModifiedSince)
		return false
	}
	mod, ok := msg.Site.ModTime(msg.Route)
	if !ok {
		return false
	}
	return !mod.Truncate(time.Second).After(since)
}

// acquireBody copies the chunks already received into the Message and marks
// it pending when the Transport has more to deliver. It reports false when
// the body exceeds the size cap.
func (d *Dispatcher) acquireBody(req api.Request, msg *api.Message, logger *slog.Logger) bool {
	declared := msg.Headers.ContentLength
	if d.maxBody > 0 && declared > d.maxBody {
		logger.Info("request body too large", "declared", declared, "max", d.maxBody)
		return false
	}

	chunks, more := req.Entity()
	var received int64
	for _, c := range chunks {
		received += int64(len(c))
	}
	if d.maxBody > 0 && received > d.maxBody {
		logger.Info("request body too large", "received", received, "max", d.maxBody)
		return false
	}
	if received > 0 {
		msg.Body = make([]byte, 0, received)
		for _, c := range chunks {
			msg.Body = append(msg.Body, c...)
		}
	}
	msg.BodyPending = more

	if !more && declared >= 0 && received < declared {
		logger.Warn("short request body", "declared", declared, "received", received)
	}
	return true
}

// tunnel rewrites the verb of a POST from the override header, or from the
// form field when the form body is fully available.
func (d *Dispatcher) tunnel(msg *api.Message, logger *slog.Logger) {
	override := msg.Unknown.Get(MethodOverrideHeader)
	if override == "" && !msg.BodyPending && isForm(msg.Headers.ContentType) && bytes.Contains(msg.Body, []byte(MethodOverrideField+"=")) {
		if form, err := url.ParseQuery(string(msg.Body)); err == nil {
			override = form.Get(MethodOverrideField)
		}
	}
	if override == "" {
		return
	}
	v, ok := api.ParseVerbFold(override)
	if !ok {
		logger.Info("verb override ignored", "override", override)
		return
	}
	if v != msg.Verb {
		logger.Info("verb tunneled", "from", msg.Verb, "to", v)
		msg.Verb = v
	}
}

func isForm(contentType string) bool {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mt), "application/x-www-form-urlencoded")
}
