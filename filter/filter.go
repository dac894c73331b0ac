package filter

import (
	"context"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
)

// Filter is implemented by extensions that inspect and mutate the HTTP messages Envoy streams to the service.
// Returning a non-nil immediate response stops the filter chain and makes Envoy reply to the client directly.
type Filter interface {
	RequestHeaders(ctx context.Context, crw *CommonResponseWriter, req *RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error)
	ResponseHeaders(ctx context.Context, crw *CommonResponseWriter, req *RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error)
}

type Stream interface {
	// OnStreamComplete runs when a Stream ends, which can happen at any point in the protocol lifecycle (e.g due to an
	// ImmediateResponse being returned).
	OnStreamComplete(req *RequestContext)
}

type NoOpFilter struct{}

var _ Filter = &NoOpFilter{}

func (f *NoOpFilter) RequestHeaders(ctx context.Context, crw *CommonResponseWriter, req *RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	return nil, nil
}

func (f *NoOpFilter) ResponseHeaders(ctx context.Context, crw *CommonResponseWriter, req *RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	return nil, nil
}
