package basicauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-basicauth/filter"
	"github.com/go-logr/logr"
)

const (
	DefaultRealm       = "basic-auth-demo"
	DefaultUserHeader  = "X-Authenticated-User"
	DefaultRolesHeader = "X-Authenticated-Roles"
)

// Decision is what the filter decided for a request. It is stored in the request metadata under DecisionKey.
type Decision struct {
	Result string
	Reason string
	User   string
}

type decisionKey struct{}

// DecisionKey is the metadata key holding the *Decision of a request.
var DecisionKey = decisionKey{}

// DecisionFrom returns the decision recorded for req, if any.
func DecisionFrom(req *filter.RequestContext) (*Decision, bool) {
	d, ok := req.Metadata().Get(DecisionKey).(*Decision)
	return d, ok
}

// Filter enforces Basic Authentication on request headers.
type Filter struct {
	filter.NoOpFilter

	auth               *Authenticator
	realm              string
	userHeader         string
	rolesHeader        string
	stripAuthorization bool
	bypass             map[string]struct{}
	log                logr.Logger
	metrics            *Metrics
}

var (
	_ filter.Filter = &Filter{}
	_ filter.Stream = &Filter{}
)

type Option func(*Filter)

// WithRealm sets the realm announced in the WWW-Authenticate challenge.
func WithRealm(realm string) Option {
	return func(f *Filter) {
		f.realm = realm
	}
}

// WithIdentityHeaders sets the request headers carrying the user name and roles upstream.
func WithIdentityHeaders(userHeader, rolesHeader string) Option {
	return func(f *Filter) {
		f.userHeader = userHeader
		f.rolesHeader = rolesHeader
	}
}

// WithStripAuthorization removes the Authorization header from accepted requests before they go upstream.
func WithStripAuthorization(strip bool) Option {
	return func(f *Filter) {
		f.stripAuthorization = strip
	}
}

// WithBypassAuthorities lets requests for these authorities through without credentials.
// Matching is case insensitive and ignores the port.
func WithBypassAuthorities(authorities ...string) Option {
	return func(f *Filter) {
		for _, a := range authorities {
			f.bypass[normalizeAuthority(a)] = struct{}{}
		}
	}
}

// WithLogger sets the logger used for access lines. Per request logs go to the logger found in the context.
func WithLogger(log logr.Logger) Option {
	return func(f *Filter) {
		f.log = log
	}
}

func WithMetrics(m *Metrics) Option {
	return func(f *Filter) {
		f.metrics = m
	}
}

func NewFilter(auth *Authenticator, opts ...Option) *Filter {
	f := &Filter{
		auth:        auth,
		realm:       DefaultRealm,
		userHeader:  DefaultUserHeader,
		rolesHeader: DefaultRolesHeader,
		bypass:      make(map[string]struct{}),
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Filter) RequestHeaders(ctx context.Context, crw *filter.CommonResponseWriter, req *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("request_id", req.RequestID())

	if f.bypassed(req.Authority()) {
		// Nothing vouches for these headers on a bypassed request.
		crw.RemoveHeaders(f.userHeader, f.rolesHeader)
		f.decide(req, ResultBypassed, nil, "")
		return nil, nil
	}

	user, err := f.authFlow(req)
	if err != nil {
		log.V(1).Info("authentication required", "reason", Reason(err), "error", err.Error())
		f.decide(req, ResultRejected, err, "")
		return f.authRequired(), nil
	}

	f.authAccepted(crw, user)
	log.V(1).Info("authentication accepted", "user", user.Name)
	f.decide(req, ResultAccepted, nil, user.Name)
	return nil, nil
}

// authFlow extracts the credentials of the request and checks them.
func (f *Filter) authFlow(req *filter.RequestContext) (*User, error) {
	values := req.RequestHeaderValues("authorization")
	if len(values) > 1 {
		return nil, fmt.Errorf("%w: %d authorization headers", ErrMalformedCredentials, len(values))
	}
	username, password, err := ParseAuthorization(req.RequestHeader("authorization"))
	if err != nil {
		return nil, err
	}
	return f.doAuth(username, password)
}

func (f *Filter) doAuth(username, password string) (*User, error) {
	return f.auth.Authenticate(username, password)
}

// authAccepted forwards the identity of user upstream, replacing whatever the client sent.
func (f *Filter) authAccepted(crw *filter.CommonResponseWriter, user *User) {
	crw.SetHeader(f.userHeader, user.Name)
	crw.SetHeader(f.rolesHeader, user.RolesHeaderValue())
	if f.stripAuthorization {
		crw.RemoveHeaders("authorization")
	}
}

func (f *Filter) authRequired() *extproc.ProcessingResponse_ImmediateResponse {
	return filter.NewImmediateResponseBuilder().
		HTTPStatus(http.StatusUnauthorized).
		SetHeader("WWW-Authenticate", Challenge(f.realm)).
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		Body([]byte(http.StatusText(http.StatusUnauthorized))).
		ImmediateResponse()
}

func (f *Filter) decide(req *filter.RequestContext, result string, err error, user string) {
	req.Metadata().Set(DecisionKey, &Decision{
		Result: result,
		Reason: Reason(err),
		User:   user,
	})
	f.metrics.recordDecision(result, err)
}

func (f *Filter) bypassed(authority string) bool {
	if len(f.bypass) == 0 {
		return false
	}
	_, ok := f.bypass[normalizeAuthority(authority)]
	return ok
}

// OnStreamComplete writes one access line per request that went through the filter.
func (f *Filter) OnStreamComplete(req *filter.RequestContext) {
	d, ok := DecisionFrom(req)
	if !ok {
		return
	}
	f.log.Info("request completed",
		"request_id", req.RequestID(),
		"authority", req.Authority(),
		"method", req.Method(),
		"path", req.URL().Path,
		"result", d.Result,
		"reason", d.Reason,
		"user", d.User,
		"status", req.Status(),
		"duration", req.RequestDuration().String(),
	)
}

func normalizeAuthority(authority string) string {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if host, _, err := net.SplitHostPort(authority); err == nil {
		authority = host
	}
	return strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]")
}
