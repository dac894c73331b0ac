package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-basicauth/filter"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	grpcodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	TraceMessageOperationName = "grpc.message"
)

var (
	ProcessResourceName          = "Process"
	RequestHeadersResourceName   = "RequestHeaders"
	RequestBodyResourceName      = "RequestBody"
	RequestTrailersResourceName  = "RequestTrailers"
	ResponseHeadersResourceName  = "ResponseHeaders"
	ResponseBodyResourceName     = "ResponseBody"
	ResponseTrailersResourceName = "ResponseTrailers"
)

type ExtProcessor struct {
	filters         []filter.Filter
	streamCallbacks []filter.Stream
	log             logr.Logger
	tracer          trace.Tracer
}

var _ extproc.ExternalProcessorServer = &ExtProcessor{}

func New(options ...Option) *ExtProcessor {
	f := &ExtProcessor{
		log: logr.Discard(),
	}
	for _, opt := range options {
		opt.apply(f)
	}
	if f.tracer == nil {
		f.tracer = noop.NewTracerProvider().Tracer(TraceMessageOperationName)
	}

	return f
}

// Process is the main entry point for the ExternalProcessor service.
// The protocol itself is based on a bidirectional gRPC stream. Envoy will send the server ProcessingRequest messages, and the server must reply with ProcessingResponse.
// https://www.envoyproxy.io/docs/envoy/latest/api-v3/extensions/filters/http/ext_proc/v3/ext_proc.proto#envoy-v3-api-msg-extensions-filters-http-ext-proc-v3-externalfilter
func (svc *ExtProcessor) Process(procsrv extproc.ExternalProcessor_ProcessServer) error {
	req := filter.NewRequestContext()
	log := svc.log.WithValues("stream_id", uuid.NewString())
	ctx := logr.NewContext(procsrv.Context(), log)

	if len(svc.streamCallbacks) > 0 {
		defer func() {
			for _, s := range svc.streamCallbacks {
				s.OnStreamComplete(req)
			}
		}()
	}

	for {
		procreq, err := procsrv.Recv()
		if err != nil {
			return IgnoreCanceled(err)
		}

		if err := svc.processMessage(ctx, req, procreq, procsrv); err != nil {
			if err := IgnoreCanceled(err); err != nil {
				log.Error(err, "processing message failed", "request_id", req.RequestID())
				return err
			}
			return nil
		}
	}
}

func (svc *ExtProcessor) processMessage(ctx context.Context, req *filter.RequestContext, procreq *extproc.ProcessingRequest, procsrv extproc.ExternalProcessor_ProcessServer) error {
	switch msg := procreq.Request.(type) {
	case *extproc.ProcessingRequest_RequestHeaders:
		ctx, span := svc.tracer.Start(ctx, RequestHeadersResourceName)
		defer span.End()
		return svc.requestHeadersMessage(ctx, req, msg, procsrv)
	case *extproc.ProcessingRequest_RequestBody:
		ctx, span := svc.tracer.Start(ctx, RequestBodyResourceName)
		defer span.End()
		return svc.requestBodyMessage(ctx, req, msg, procsrv)
	case *extproc.ProcessingRequest_RequestTrailers:
		ctx, span := svc.tracer.Start(ctx, RequestTrailersResourceName)
		defer span.End()
		return svc.requestTrailersMessage(ctx, req, msg, procsrv)
	case *extproc.ProcessingRequest_ResponseHeaders:
		ctx, span := svc.tracer.Start(ctx, ResponseHeadersResourceName)
		defer span.End()
		return svc.responseHeadersMessage(ctx, req, msg, procsrv)
	case *extproc.ProcessingRequest_ResponseBody:
		ctx, span := svc.tracer.Start(ctx, ResponseBodyResourceName)
		defer span.End()
		return svc.responseBodyMessage(ctx, req, msg, procsrv)
	case *extproc.ProcessingRequest_ResponseTrailers:
		ctx, span := svc.tracer.Start(ctx, ResponseTrailersResourceName)
		defer span.End()
		return svc.responseTrailersMessage(ctx, req, msg, procsrv)
	default:
		return fmt.Errorf("unknown request type: %T", procreq.Request)
	}
}

type filterFunc func(f filter.Filter, ctx context.Context, crw *filter.CommonResponseWriter, req *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error)

// runFilters runs fn for each filter in order and returns either the immediate response of the first filter that
// produced one, or the accumulated header mutations.
func (svc *ExtProcessor) runFilters(ctx context.Context, phase string, filters []filter.Filter, crw *filter.CommonResponseWriter, req *filter.RequestContext, fn filterFunc) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	for _, f := range filters {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		ctx, span := svc.tracer.Start(ctx, fmt.Sprintf("%T/%s", f, phase))
		span.SetAttributes(attribute.String("filter", fmt.Sprintf("%T", f)))

		immediateResponse, err := fn(f, ctx, crw, req)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return nil, fmt.Errorf("%s: failed running filter %T: %w", phase, f, err)
		}
		if immediateResponse != nil {
			span.SetAttributes(attribute.Int("immediate_response.status", int(immediateResponse.ImmediateResponse.GetStatus().GetCode())))
			span.End()
			return immediateResponse, nil
		}
		if err := crw.CommonResponse().Validate(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return nil, fmt.Errorf("%s: failed validating response in filter %T: %w", phase, f, err)
		}
		span.End()
	}
	return nil, nil
}

func (svc *ExtProcessor) sendImmediateResponse(ctx context.Context, req *filter.RequestContext, ir *extproc.ProcessingResponse_ImmediateResponse, procsrv extproc.ExternalProcessor_ProcessServer) error {
	req.SetStatus(int(ir.ImmediateResponse.GetStatus().GetCode()))
	logr.FromContextOrDiscard(ctx).V(1).Info("sending immediate response", "request_id", req.RequestID(), "response", ir.ImmediateResponse)
	r := &extproc.ProcessingResponse{Response: ir}
	if err := r.ValidateAll(); err != nil {
		return fmt.Errorf("failed validating immediate response: %w", err)
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("failed sending immediate response: %w", err)
	}
	return nil
}

// Step 1. Request headers: Contains the headers from the original HTTP request.
// Filters run in registration order.
func (svc *ExtProcessor) requestHeadersMessage(ctx context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_RequestHeaders, procsrv extproc.ExternalProcessor_ProcessServer) error {
	mutated := make(http.Header)
	req.Process(msg, mutated)
	crw := filter.NewCommonResponseWriter(mutated)

	immediateResponse, err := svc.runFilters(ctx, RequestHeadersResourceName, svc.filters, crw, req,
		func(f filter.Filter, ctx context.Context, crw *filter.CommonResponseWriter, req *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
			return f.RequestHeaders(ctx, crw, req)
		})
	if err != nil {
		return err
	}
	if immediateResponse != nil {
		return svc.sendImmediateResponse(ctx, req, immediateResponse, procsrv)
	}

	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extproc.HeadersResponse{
				Response: crw.CommonResponse(),
			},
		},
	}
	if err := r.ValidateAll(); err != nil {
		return fmt.Errorf("RequestHeaders: failed validating response: %w", err)
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("RequestHeaders: failed sending response: %w", err)
	}
	return nil
}

// Step 2. (Not implemented) Request body: Delivered if they are present and sent in a single message if the BUFFERED or BUFFERED_PARTIAL mode is chosen, in multiple messages if the STREAMED mode is chosen, and not at all otherwise.
func (svc *ExtProcessor) requestBodyMessage(_ context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_RequestBody, procsrv extproc.ExternalProcessor_ProcessServer) error {
	req.Process(msg, nil)
	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_RequestBody{
			RequestBody: &extproc.BodyResponse{},
		},
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("RequestBody: failed sending response: %w", err)
	}
	return nil
}

// Step 3. (Not implemented) Request trailers: Delivered if they are present and if the trailer mode is set to SEND.
func (svc *ExtProcessor) requestTrailersMessage(_ context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_RequestTrailers, procsrv extproc.ExternalProcessor_ProcessServer) error {
	req.Process(msg, nil)
	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_RequestTrailers{
			RequestTrailers: &extproc.TrailersResponse{},
		},
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("RequestTrailers: failed sending response: %w", err)
	}
	return nil
}

// Step 4. Response headers: Contains the headers from the HTTP response. Keep in mind that if the upstream system sends them before processing the request body that this message may arrive before the complete body.
// Filters run in reverse registration order, so the first filter sees the request first and the response last.
func (svc *ExtProcessor) responseHeadersMessage(ctx context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_ResponseHeaders, procsrv extproc.ExternalProcessor_ProcessServer) error {
	mutated := make(http.Header)
	req.Process(msg, mutated)
	crw := filter.NewCommonResponseWriter(mutated)

	reversed := make([]filter.Filter, 0, len(svc.filters))
	for i := len(svc.filters) - 1; i >= 0; i-- {
		reversed = append(reversed, svc.filters[i])
	}
	immediateResponse, err := svc.runFilters(ctx, ResponseHeadersResourceName, reversed, crw, req,
		func(f filter.Filter, ctx context.Context, crw *filter.CommonResponseWriter, req *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
			return f.ResponseHeaders(ctx, crw, req)
		})
	if err != nil {
		return err
	}
	if immediateResponse != nil {
		return svc.sendImmediateResponse(ctx, req, immediateResponse, procsrv)
	}

	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extproc.HeadersResponse{
				Response: crw.CommonResponse(),
			},
		},
	}
	if err := r.ValidateAll(); err != nil {
		return fmt.Errorf("ResponseHeaders: failed validating response: %w", err)
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("ResponseHeaders: failed sending response: %w", err)
	}
	return nil
}

// Step 5. (Not implemented) Response body: Sent according to the processing mode like the request body.
func (svc *ExtProcessor) responseBodyMessage(_ context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_ResponseBody, procsrv extproc.ExternalProcessor_ProcessServer) error {
	req.Process(msg, nil)
	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_ResponseBody{
			ResponseBody: &extproc.BodyResponse{},
		},
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("ResponseBody: failed sending response: %w", err)
	}
	return nil
}

// Step 6. (Not implemented) Response trailers: Delivered according to the processing mode like the request trailers.
func (svc *ExtProcessor) responseTrailersMessage(_ context.Context, req *filter.RequestContext, msg *extproc.ProcessingRequest_ResponseTrailers, procsrv extproc.ExternalProcessor_ProcessServer) error {
	req.Process(msg, nil)
	r := &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_ResponseTrailers{
			ResponseTrailers: &extproc.TrailersResponse{},
		},
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("ResponseTrailers: failed sending response: %w", err)
	}
	return nil
}

// IgnoreCanceled returns nil if the error is a context.Canceled error or an io.EOF error.
func IgnoreCanceled(err error) error {
	switch {
	case err == nil,
		errors.Is(err, io.EOF),
		errors.Is(err, context.Canceled),
		status.Code(err) == grpcodes.Canceled:
		return nil
	}
	return err
}
