package service_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/getyourguide/extproc-basicauth/filter"
	"github.com/getyourguide/extproc-basicauth/service"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// recorder appends its name to a shared trace and sets a header in both directions.
type recorder struct {
	name  string
	trace *[]string
}

func (f *recorder) RequestHeaders(_ context.Context, crw *filter.CommonResponseWriter, _ *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	*f.trace = append(*f.trace, "req:"+f.name)
	crw.AppendHeader("x-filter", f.name)
	return nil, nil
}

func (f *recorder) ResponseHeaders(_ context.Context, crw *filter.CommonResponseWriter, _ *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	*f.trace = append(*f.trace, "resp:"+f.name)
	crw.AppendHeader("x-filter", f.name)
	return nil, nil
}

type rejector struct {
	filter.NoOpFilter
	completed chan *filter.RequestContext
}

func (f *rejector) RequestHeaders(_ context.Context, _ *filter.CommonResponseWriter, _ *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	return filter.NewImmediateResponseBuilder().
		HTTPStatus(http.StatusUnauthorized).
		SetHeader("WWW-Authenticate", `Basic realm="test"`).
		ImmediateResponse(), nil
}

func (f *rejector) OnStreamComplete(req *filter.RequestContext) {
	f.completed <- req
}

type failing struct {
	filter.NoOpFilter
}

func (f *failing) RequestHeaders(context.Context, *filter.CommonResponseWriter, *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	return nil, errors.New("boom")
}

func startService(t *testing.T, opts ...service.Option) extproc.ExternalProcessorClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	extproc.RegisterExternalProcessorServer(srv, service.New(opts...))
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return extproc.NewExternalProcessorClient(conn)
}

func requestHeaders(kv ...string) *extproc.ProcessingRequest {
	hm := &corev3.HeaderMap{}
	for i := 0; i+1 < len(kv); i += 2 {
		hm.Headers = append(hm.Headers, &corev3.HeaderValue{Key: kv[i], RawValue: []byte(kv[i+1])})
	}
	return &extproc.ProcessingRequest{
		Request: &extproc.ProcessingRequest_RequestHeaders{
			RequestHeaders: &extproc.HttpHeaders{Headers: hm},
		},
	}
}

func responseHeaders(kv ...string) *extproc.ProcessingRequest {
	hm := &corev3.HeaderMap{}
	for i := 0; i+1 < len(kv); i += 2 {
		hm.Headers = append(hm.Headers, &corev3.HeaderValue{Key: kv[i], RawValue: []byte(kv[i+1])})
	}
	return &extproc.ProcessingRequest{
		Request: &extproc.ProcessingRequest_ResponseHeaders{
			ResponseHeaders: &extproc.HttpHeaders{Headers: hm},
		},
	}
}

func headerValues(opts []*corev3.HeaderValueOption, key string) []string {
	var values []string
	for _, o := range opts {
		if o.GetHeader().GetKey() == key {
			values = append(values, string(o.GetHeader().GetRawValue()))
		}
	}
	return values
}

func TestFilterOrder(t *testing.T) {
	var trace []string
	client := startService(t, service.WithFilters(
		&recorder{name: "a", trace: &trace},
		&recorder{name: "b", trace: &trace},
	))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Process(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Send(requestHeaders(":authority", "example.com", ":path", "/")))
	resp, err := stream.Recv()
	require.NoError(t, err)
	mutation := resp.GetRequestHeaders().GetResponse().GetHeaderMutation()
	require.Equal(t, []string{"a", "b"}, headerValues(mutation.GetSetHeaders(), "x-filter"))

	require.NoError(t, stream.Send(responseHeaders(":status", "200")))
	resp, err = stream.Recv()
	require.NoError(t, err)
	mutation = resp.GetResponseHeaders().GetResponse().GetHeaderMutation()
	require.Equal(t, []string{"b", "a"}, headerValues(mutation.GetSetHeaders(), "x-filter"))

	require.NoError(t, stream.CloseSend())
	_, err = stream.Recv()
	require.ErrorIs(t, err, io.EOF)

	require.Equal(t, []string{"req:a", "req:b", "resp:b", "resp:a"}, trace)
}

func TestImmediateResponse(t *testing.T) {
	var trace []string
	rej := &rejector{completed: make(chan *filter.RequestContext, 1)}
	client := startService(t, service.WithFilters(
		rej,
		&recorder{name: "never", trace: &trace},
	))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Process(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(requestHeaders(":authority", "example.com", "x-request-id", "req-1")))

	resp, err := stream.Recv()
	require.NoError(t, err)
	ir := resp.GetImmediateResponse()
	require.NotNil(t, ir)
	require.Equal(t, typev3.StatusCode_Unauthorized, ir.GetStatus().GetCode())
	require.Equal(t, []string{`Basic realm="test"`}, headerValues(ir.GetHeaders().GetSetHeaders(), "WWW-Authenticate"))
	require.Empty(t, trace, "filters after an immediate response must not run")

	require.NoError(t, stream.CloseSend())
	select {
	case req := <-rej.completed:
		require.Equal(t, "req-1", req.RequestID())
		require.Equal(t, http.StatusUnauthorized, req.Status())
	case <-ctx.Done():
		t.Fatal("OnStreamComplete was not called")
	}
}

func TestFilterError(t *testing.T) {
	client := startService(t, service.WithFilters(&failing{}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Process(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(requestHeaders(":path", "/")))

	_, err = stream.Recv()
	require.Error(t, err)
	require.Equal(t, codes.Unknown, status.Code(err))
	require.Contains(t, err.Error(), "boom")
}

// mutator applies its mutation to the forwarded request.
type mutator struct {
	filter.NoOpFilter
	mutate func(crw *filter.CommonResponseWriter)
}

func (f *mutator) RequestHeaders(_ context.Context, crw *filter.CommonResponseWriter, _ *filter.RequestContext) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	f.mutate(crw)
	return nil, nil
}

func TestInvalidCommonResponse(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(crw *filter.CommonResponseWriter)
	}{
		{
			name: "undefined status",
			mutate: func(crw *filter.CommonResponseWriter) {
				crw.SetStatus(extproc.CommonResponse_ResponseStatus(42))
			},
		},
		{
			name: "empty header name",
			mutate: func(crw *filter.CommonResponseWriter) {
				crw.SetHeader("", "value")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var trace []string
			client := startService(t, service.WithFilters(
				&mutator{mutate: tt.mutate},
				&recorder{name: "after", trace: &trace},
			))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			stream, err := client.Process(ctx)
			require.NoError(t, err)
			require.NoError(t, stream.Send(requestHeaders(":path", "/")))

			_, err = stream.Recv()
			require.Error(t, err)
			require.Equal(t, codes.Unknown, status.Code(err))
			require.Contains(t, err.Error(), "failed validating response in filter *service_test.mutator")
			require.Empty(t, trace, "filters after an invalid response must not run")
		})
	}
}

func TestSpans(t *testing.T) {
	tests := []struct {
		name    string
		filters func() []filter.Filter
		want    []string
		assert  func(t *testing.T, filterSpan sdktrace.ReadOnlySpan)
	}{
		{
			name: "one span per filter",
			filters: func() []filter.Filter {
				var trace []string
				return []filter.Filter{&recorder{name: "a", trace: &trace}, &recorder{name: "b", trace: &trace}}
			},
			want: []string{"*service_test.recorder/RequestHeaders", "*service_test.recorder/RequestHeaders", "RequestHeaders"},
			assert: func(t *testing.T, filterSpan sdktrace.ReadOnlySpan) {
				require.Equal(t, otelcodes.Unset, filterSpan.Status().Code)
				require.Contains(t, filterSpan.Attributes(), attribute.String("filter", "*service_test.recorder"))
			},
		},
		{
			name: "filter error",
			filters: func() []filter.Filter {
				return []filter.Filter{&failing{}}
			},
			want: []string{"*service_test.failing/RequestHeaders", "RequestHeaders"},
			assert: func(t *testing.T, filterSpan sdktrace.ReadOnlySpan) {
				require.Equal(t, otelcodes.Error, filterSpan.Status().Code)
				require.Equal(t, "boom", filterSpan.Status().Description)
			},
		},
		{
			name: "immediate response",
			filters: func() []filter.Filter {
				return []filter.Filter{&rejector{completed: make(chan *filter.RequestContext, 1)}}
			},
			want: []string{"*service_test.rejector/RequestHeaders", "RequestHeaders"},
			assert: func(t *testing.T, filterSpan sdktrace.ReadOnlySpan) {
				require.Contains(t, filterSpan.Attributes(), attribute.Int("immediate_response.status", http.StatusUnauthorized))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spanRecorder := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
			t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

			client := startService(t,
				service.WithFilters(tt.filters()...),
				service.WithTracer(tp.Tracer("test")),
			)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			stream, err := client.Process(ctx)
			require.NoError(t, err)
			require.NoError(t, stream.Send(requestHeaders(":path", "/")))
			_, _ = stream.Recv()
			_ = stream.CloseSend()
			// the server has returned from Process, and ended every span, once the stream is done
			for {
				if _, err := stream.Recv(); err != nil {
					break
				}
			}

			spans := spanRecorder.Ended()
			names := make([]string, 0, len(spans))
			for _, span := range spans {
				names = append(names, span.Name())
			}
			require.Equal(t, tt.want, names)

			message := spans[len(spans)-1]
			for _, span := range spans[:len(spans)-1] {
				require.Equal(t, message.SpanContext().SpanID(), span.Parent().SpanID(), "filter spans are children of the message span")
			}
			tt.assert(t, spans[0])
		})
	}
}

func TestBodyAndTrailersPassThrough(t *testing.T) {
	client := startService(t, service.WithFilters(&filter.NoOpFilter{}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Process(ctx)
	require.NoError(t, err)

	for _, tt := range []struct {
		req    *extproc.ProcessingRequest
		assert func(t *testing.T, resp *extproc.ProcessingResponse)
	}{{
		req: &extproc.ProcessingRequest{Request: &extproc.ProcessingRequest_RequestBody{RequestBody: &extproc.HttpBody{Body: []byte("hi")}}},
		assert: func(t *testing.T, resp *extproc.ProcessingResponse) {
			require.NotNil(t, resp.GetRequestBody())
		},
	}, {
		req: &extproc.ProcessingRequest{Request: &extproc.ProcessingRequest_RequestTrailers{RequestTrailers: &extproc.HttpTrailers{}}},
		assert: func(t *testing.T, resp *extproc.ProcessingResponse) {
			require.NotNil(t, resp.GetRequestTrailers())
		},
	}, {
		req: &extproc.ProcessingRequest{Request: &extproc.ProcessingRequest_ResponseBody{ResponseBody: &extproc.HttpBody{}}},
		assert: func(t *testing.T, resp *extproc.ProcessingResponse) {
			require.NotNil(t, resp.GetResponseBody())
		},
	}, {
		req: &extproc.ProcessingRequest{Request: &extproc.ProcessingRequest_ResponseTrailers{ResponseTrailers: &extproc.HttpTrailers{}}},
		assert: func(t *testing.T, resp *extproc.ProcessingResponse) {
			require.NotNil(t, resp.GetResponseTrailers())
		},
	}} {
		require.NoError(t, stream.Send(tt.req))
		resp, err := stream.Recv()
		require.NoError(t, err)
		tt.assert(t, resp)
	}
	require.NoError(t, stream.CloseSend())
}

func TestIgnoreCanceled(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "eof", err: io.EOF, want: nil},
		{name: "context canceled", err: context.Canceled, want: nil},
		{name: "grpc canceled", err: status.Error(codes.Canceled, "client went away"), want: nil},
		{name: "other", err: errors.New("boom"), want: errors.New("boom")},
	} {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, service.IgnoreCanceled(tt.err))
		})
	}
}
