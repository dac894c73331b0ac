package filter

import (
	"net/http"
	"slices"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/golang/protobuf/ptypes/wrappers"
)

// routerHeaders requires ClearRouteCache to be set to true
var routerHeaders = map[string]struct{}{
	"host":       {},
	":authority": {},
	":path":      {},
	":method":    {},
}

func isRouterHeader(key string) bool {
	_, ok := routerHeaders[strings.ToLower(key)]
	return ok
}

// headerValueOption builds the mutation Envoy applies for a header.
// Values are always encoded in raw_value, which is what Envoy expects once
// envoy_reloadable_features_send_header_raw_value is enabled (the default since 1.27).
func headerValueOption(key string, value string, appendAction corev3.HeaderValueOption_HeaderAppendAction) *corev3.HeaderValueOption {
	opt := &corev3.HeaderValueOption{
		Header: &corev3.HeaderValue{
			Key:      key,
			RawValue: []byte(value),
		},
		AppendAction: appendAction,
	}
	if appendAction == corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD {
		// Envoy still honours the deprecated append flag over append_action in header mutations.
		opt.Append = &wrappers.BoolValue{Value: true}
	}
	return opt
}

// CommonResponseWriter is a wrapper on top of extproc.CommonResponse
// It provides a fluent API to mutate the headers of the message being forwarded by Envoy.
type CommonResponseWriter struct {
	commonResponse *extproc.CommonResponse
	headers        http.Header
}

// NewCommonResponseWriter returns a writer that mirrors every mutation into headers.
func NewCommonResponseWriter(headers http.Header) *CommonResponseWriter {
	if headers == nil {
		headers = make(http.Header)
	}
	return &CommonResponseWriter{
		commonResponse: &extproc.CommonResponse{
			HeaderMutation: &extproc.HeaderMutation{},
		},
		headers: headers,
	}
}

func (crw *CommonResponseWriter) headerAction(key string, value string, appendAction corev3.HeaderValueOption_HeaderAppendAction) *CommonResponseWriter {
	switch appendAction {
	case corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD:
		crw.headers.Add(key, value)
	case corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS:
		crw.headers.Set(key, value)
	}
	crw.commonResponse.HeaderMutation.SetHeaders = append(crw.commonResponse.HeaderMutation.SetHeaders, headerValueOption(key, value, appendAction))
	if isRouterHeader(key) {
		crw.ClearRouteCache(true)
	}
	return crw
}

// SetHeader sets a header with the given key and value using the OVERWRITE_IF_EXISTS_OR_ADD action
// This action will overwrite the specified value by discarding any existing values if the header already exists. If the header doesn't exist then this will add the header with specified key and value.
func (crw *CommonResponseWriter) SetHeader(key string, value string) *CommonResponseWriter {
	return crw.headerAction(key, value, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD)
}

// AppendHeader appends a header with the given key and value using the APPEND_IF_EXISTS_OR_ADD action
// This action will append the specified value to the existing values if the header already exists. If the header doesn't exist then this will add the header with specified key and value.
func (crw *CommonResponseWriter) AppendHeader(key string, value string) *CommonResponseWriter {
	return crw.headerAction(key, value, corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD)
}

// RemoveHeaders removes these HTTP headers. Attempts to remove system headers -- any header starting with ":", plus "host" -- will be ignored by Envoy.
func (crw *CommonResponseWriter) RemoveHeaders(headers ...string) *CommonResponseWriter {
	for _, h := range headers {
		if slices.Contains(crw.commonResponse.HeaderMutation.RemoveHeaders, h) {
			continue
		}
		crw.commonResponse.HeaderMutation.RemoveHeaders = append(crw.commonResponse.HeaderMutation.RemoveHeaders, h)
		crw.headers.Del(h)
	}
	return crw
}

// SetStatus sets the status of the GRPC response.
// If set, provide additional direction on how the Envoy proxy should handle the rest of the HTTP filter chain.
func (crw *CommonResponseWriter) SetStatus(status extproc.CommonResponse_ResponseStatus) *CommonResponseWriter {
	crw.commonResponse.Status = status
	return crw
}

// ClearRouteCache clears the route cache for the current client request. This is necessary if the remote server modified headers that are used to calculate the route. This field is ignored in the response direction.
func (crw *CommonResponseWriter) ClearRouteCache(clear bool) *CommonResponseWriter {
	crw.commonResponse.ClearRouteCache = clear
	return crw
}

// BodyMutation replaces the body of the last message sent to the remote server on this stream.
// In response to header messages it only takes effect with CONTINUE_AND_REPLACE, which is set here.
func (crw *CommonResponseWriter) BodyMutation(m *extproc.BodyMutation) *CommonResponseWriter {
	crw.commonResponse.BodyMutation = m
	crw.SetStatus(extproc.CommonResponse_CONTINUE_AND_REPLACE)
	return crw
}

// CommonResponse returns the underlying extproc.CommonResponse
func (crw *CommonResponseWriter) CommonResponse() *extproc.CommonResponse {
	return crw.commonResponse
}

// ImmediateResponseWriter is a wrapper on top of extproc.ProcessingResponse_ImmediateResponse
type ImmediateResponseWriter struct {
	immediateResponse *extproc.ProcessingResponse_ImmediateResponse
}

func NewImmediateResponseBuilder() *ImmediateResponseWriter {
	return &ImmediateResponseWriter{
		immediateResponse: &extproc.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extproc.ImmediateResponse{
				Headers: &extproc.HeaderMutation{},
			},
		},
	}
}

// SetHeader sets a header of the immediate response, overwriting any existing value.
func (irw *ImmediateResponseWriter) SetHeader(key string, value string) *ImmediateResponseWriter {
	irw.immediateResponse.ImmediateResponse.Headers.SetHeaders = append(irw.immediateResponse.ImmediateResponse.Headers.SetHeaders,
		headerValueOption(key, value, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD))
	return irw
}

// AppendHeader adds a value to a header of the immediate response.
func (irw *ImmediateResponseWriter) AppendHeader(key string, value string) *ImmediateResponseWriter {
	irw.immediateResponse.ImmediateResponse.Headers.SetHeaders = append(irw.immediateResponse.ImmediateResponse.Headers.SetHeaders,
		headerValueOption(key, value, corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD))
	return irw
}

// RemoveHeaders removes these HTTP headers from the immediate response.
func (irw *ImmediateResponseWriter) RemoveHeaders(headers ...string) *ImmediateResponseWriter {
	for _, h := range headers {
		if slices.Contains(irw.immediateResponse.ImmediateResponse.Headers.RemoveHeaders, h) {
			continue
		}
		irw.immediateResponse.ImmediateResponse.Headers.RemoveHeaders = append(irw.immediateResponse.ImmediateResponse.Headers.RemoveHeaders, h)
	}
	return irw
}

// HTTPStatus sets the HTTP status of the immediate response
func (irw *ImmediateResponseWriter) HTTPStatus(status int) *ImmediateResponseWriter {
	irw.immediateResponse.ImmediateResponse.Status = &typev3.HttpStatus{
		Code: typev3.StatusCode(status),
	}
	return irw
}

// Body sets the body of the immediate response
func (irw *ImmediateResponseWriter) Body(body []byte) *ImmediateResponseWriter {
	irw.immediateResponse.ImmediateResponse.Body = body
	return irw
}

// ImmediateResponse returns the underlying extproc.ProcessingResponse_ImmediateResponse
func (irw *ImmediateResponseWriter) ImmediateResponse() *extproc.ProcessingResponse_ImmediateResponse {
	return irw.immediateResponse
}
