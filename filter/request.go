package filter

import (
	"cmp"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
)

// RequestPhase represents the different phases of the request
type RequestPhase string

const (
	RequestPhaseUnknown          RequestPhase = "RequestPhaseUnknown"
	RequestPhaseRequestHeaders   RequestPhase = "RequestPhaseRequestHeaders"
	RequestPhaseRequestBody      RequestPhase = "RequestPhaseRequestBody"
	RequestPhaseRequestTrailers  RequestPhase = "RequestPhaseRequestTrailers"
	RequestPhaseResponseHeaders  RequestPhase = "RequestPhaseResponseHeaders"
	RequestPhaseResponseBody     RequestPhase = "RequestPhaseResponseBody"
	RequestPhaseResponseTrailers RequestPhase = "RequestPhaseResponseTrailers"
)

// RequestContext holds what the service learned about one HTTP exchange across the gRPC messages of a stream.
// The Process method should be called on every message received from Envoy.
// It is not safe for concurrent use; a stream owns exactly one RequestContext.
type RequestContext struct {
	scheme         string
	authority      string
	method         string
	url            *url.URL
	requestID      string
	status         int
	mutatedHeaders map[RequestPhase]http.Header
	rawHeaders     map[RequestPhase]http.Header
	metadata       *Metadata
	phase          RequestPhase
	startTime      time.Time
}

func NewRequestContext() *RequestContext {
	return &RequestContext{
		mutatedHeaders: make(map[RequestPhase]http.Header),
		rawHeaders:     make(map[RequestPhase]http.Header),
		metadata:       &Metadata{},
		phase:          RequestPhaseUnknown,
	}
}

// RequestHeader gets the first value of the given request header as Envoy sent it.
// It is case insensitive; [textproto.CanonicalMIMEHeaderKey] is used to canonicalize the provided key.
func (r *RequestContext) RequestHeader(key string) string {
	return r.rawHeaders[RequestPhaseRequestHeaders].Get(key)
}

// RequestHeaderValues returns all values of the given request header. The returned slice is not a copy.
func (r *RequestContext) RequestHeaderValues(key string) []string {
	return r.rawHeaders[RequestPhaseRequestHeaders].Values(key)
}

// ResponseHeader gets the first value of the given response header as Envoy sent it.
func (r *RequestContext) ResponseHeader(key string) string {
	return r.rawHeaders[RequestPhaseResponseHeaders].Get(key)
}

// ResponseHeaderValues returns all values of the given response header. The returned slice is not a copy.
func (r *RequestContext) ResponseHeaderValues(key string) []string {
	return r.rawHeaders[RequestPhaseResponseHeaders].Values(key)
}

// MutatedHeaders returns a copy of the headers of the given phase with the filter mutations applied.
func (r *RequestContext) MutatedHeaders(phase RequestPhase) http.Header {
	if r.mutatedHeaders[phase] == nil {
		return make(http.Header)
	}
	return r.mutatedHeaders[phase].Clone()
}

// RawHeaders returns a copy of the raw headers from the given phase.
func (r *RequestContext) RawHeaders(phase RequestPhase) http.Header {
	if r.rawHeaders[phase] == nil {
		return make(http.Header)
	}
	return r.rawHeaders[phase].Clone()
}

// Scheme returns the scheme of the request (http or https)
func (r *RequestContext) Scheme() string {
	return r.scheme
}

// Authority returns the authority of the request
func (r *RequestContext) Authority() string {
	return r.authority
}

// Method returns the method of the request (GET, POST, PUT, etc)
func (r *RequestContext) Method() string {
	return r.method
}

// URL returns the URL of the request
func (r *RequestContext) URL() *url.URL {
	if r.url == nil {
		return &url.URL{}
	}
	return r.url
}

// RequestID returns the x-request-id Envoy assigned to the request
func (r *RequestContext) RequestID() string {
	return r.requestID
}

// Status returns the status of the response
func (r *RequestContext) Status() int {
	return r.status
}

// StatusClass returns the class of the status of the response (2xx, 3xx, 4xx, 5xx)
func (r *RequestContext) StatusClass() string {
	return fmt.Sprintf("%dxx", r.status/100)
}

// SetStatus records a status the service decided itself, e.g. when a filter answered with an immediate response
// and no response headers will follow.
func (r *RequestContext) SetStatus(status int) {
	r.status = status
}

// Metadata returns the metadata of the request, it can be used to exchange information between the different filters
func (r *RequestContext) Metadata() *Metadata {
	if r.metadata == nil {
		r.metadata = &Metadata{}
	}
	return r.metadata
}

// RequestPhase returns the current phase of the request
func (r *RequestContext) RequestPhase() RequestPhase {
	if r.phase == "" {
		return RequestPhaseUnknown
	}
	return r.phase
}

// RequestDuration returns the time since the first message of the stream
func (r *RequestContext) RequestDuration() time.Duration {
	if r.startTime.IsZero() {
		return time.Duration(0)
	}
	return time.Since(r.startTime)
}

// Process updates the request context with the given message.
// Header messages are copied into mutatedHeaders as well, which is the map the CommonResponseWriter of that phase
// mutates, so MutatedHeaders reflects what the filters did.
func (r *RequestContext) Process(message any, mutatedHeaders http.Header) {
	if r.mutatedHeaders == nil {
		r.mutatedHeaders = make(map[RequestPhase]http.Header)
	}
	if r.rawHeaders == nil {
		r.rawHeaders = make(map[RequestPhase]http.Header)
	}
	if r.startTime.IsZero() {
		r.startTime = time.Now()
	}
	if mutatedHeaders == nil {
		mutatedHeaders = make(http.Header)
	}
	switch msg := message.(type) {
	case *extproc.ProcessingRequest_RequestHeaders:
		r.phase = RequestPhaseRequestHeaders
		r.storeHeaders(r.phase, msg.RequestHeaders.GetHeaders(), mutatedHeaders)

		r.scheme = cmp.Or(r.scheme, r.RequestHeader(":scheme"))
		r.authority = cmp.Or(r.authority, r.RequestHeader(":authority"))
		r.method = cmp.Or(r.method, r.RequestHeader(":method"))
		r.requestID = cmp.Or(r.requestID, r.RequestHeader("x-request-id"))
		if r.url == nil {
			r.url = parsePath(r.RequestHeader(":path"))
		}
	case *extproc.ProcessingRequest_RequestBody:
		r.phase = RequestPhaseRequestBody
	case *extproc.ProcessingRequest_RequestTrailers:
		r.phase = RequestPhaseRequestTrailers
	case *extproc.ProcessingRequest_ResponseHeaders:
		r.phase = RequestPhaseResponseHeaders
		r.storeHeaders(r.phase, msg.ResponseHeaders.GetHeaders(), mutatedHeaders)

		if status, err := strconv.Atoi(r.ResponseHeader(":status")); err == nil {
			r.status = status
		}
	case *extproc.ProcessingRequest_ResponseBody:
		r.phase = RequestPhaseResponseBody
	case *extproc.ProcessingRequest_ResponseTrailers:
		r.phase = RequestPhaseResponseTrailers
	}
}

func (r *RequestContext) storeHeaders(phase RequestPhase, headers *corev3.HeaderMap, mutatedHeaders http.Header) {
	raw := make(http.Header)
	for _, header := range headers.GetHeaders() {
		// Envoy sends either value or raw_value depending on envoy_reloadable_features_send_header_raw_value.
		headerValue := cmp.Or(string(header.GetRawValue()), header.GetValue())
		raw.Add(header.GetKey(), headerValue)
		mutatedHeaders.Add(header.GetKey(), headerValue)
	}
	r.rawHeaders[phase] = raw
	r.mutatedHeaders[phase] = mutatedHeaders
}

func parsePath(path string) *url.URL {
	if u, err := url.ParseRequestURI(path); err == nil {
		return u
	}
	p, rawQuery, _ := strings.Cut(path, "?")
	return &url.URL{Path: p, RawQuery: rawQuery}
}

type Metadata struct {
	m map[any]any
}

// Set sets the value associated with key in the metadata.
func (m *Metadata) Set(key any, value any) {
	if m.m == nil {
		m.m = make(map[any]any)
	}
	m.m[key] = value
}

// Get returns the value associated with key in the metadata.
func (m *Metadata) Get(key any) any {
	return m.m[key]
}
