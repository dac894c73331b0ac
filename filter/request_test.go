package filter_test

import (
	"net/http"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-basicauth/filter"
	"github.com/stretchr/testify/require"
)

const (
	requestID = "30149a57-c842-9e40-968d-bf9bdbed55b1"
)

var envoyHeadersValue = http.Header{
	":scheme":      []string{"https"},
	":authority":   []string{"example.com"},
	":method":      []string{"GET"},
	":path":        []string{"/?q=a"},
	"X-Request-Id": []string{requestID},
}

func headerMap(headers http.Header, raw bool) *corev3.HeaderMap {
	hm := &corev3.HeaderMap{}
	for k, values := range headers {
		for _, v := range values {
			hv := &corev3.HeaderValue{Key: k}
			if raw {
				hv.RawValue = []byte(v)
			} else {
				hv.Value = v
			}
			hm.Headers = append(hm.Headers, hv)
		}
	}
	return hm
}

func requestHeadersMessage(headers http.Header) *extproc.ProcessingRequest_RequestHeaders {
	return &extproc.ProcessingRequest_RequestHeaders{
		RequestHeaders: &extproc.HttpHeaders{Headers: headerMap(headers, true)},
	}
}

func responseHeadersMessage(headers http.Header, raw bool) *extproc.ProcessingRequest_ResponseHeaders {
	return &extproc.ProcessingRequest_ResponseHeaders{
		ResponseHeaders: &extproc.HttpHeaders{Headers: headerMap(headers, raw)},
	}
}

func TestMutatedRequestHeaders(t *testing.T) {
	for _, tt := range []struct {
		name    string
		headers http.Header
		mutate  func(t *testing.T, crw *filter.CommonResponseWriter)
		assert  func(t *testing.T, req *filter.RequestContext)
	}{{
		name:    "set headers",
		headers: envoyHeadersValue,
		mutate: func(t *testing.T, crw *filter.CommonResponseWriter) {
			crw.SetHeader("header-a", "value-a")
			crw.SetHeader("header-b", "value-b")
		},
		assert: func(t *testing.T, req *filter.RequestContext) {
			mutated := req.MutatedHeaders(filter.RequestPhaseRequestHeaders)
			require.Equal(t, "value-a", mutated.Get("header-a"))
			require.Equal(t, "value-b", mutated.Get("header-b"))
			require.Empty(t, req.RequestHeader("header-a"), "raw headers must not see mutations")
		},
	}, {
		name: "append headers",
		headers: func() http.Header {
			headers := envoyHeadersValue.Clone()
			headers.Add("header-c", "value-c")
			return headers
		}(),
		mutate: func(t *testing.T, crw *filter.CommonResponseWriter) {
			crw.AppendHeader("header-c", "value-c1")
		},
		assert: func(t *testing.T, req *filter.RequestContext) {
			got := req.MutatedHeaders(filter.RequestPhaseRequestHeaders).Values("header-c")
			require.Equal(t, []string{"value-c", "value-c1"}, got)
			require.Equal(t, []string{"value-c"}, req.RequestHeaderValues("header-c"))
		},
	}, {
		name: "remove headers",
		headers: func() http.Header {
			headers := envoyHeadersValue.Clone()
			headers.Add("header-c", "value-c")
			return headers
		}(),
		mutate: func(t *testing.T, crw *filter.CommonResponseWriter) {
			crw.RemoveHeaders("header-c")
		},
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Empty(t, req.MutatedHeaders(filter.RequestPhaseRequestHeaders).Get("header-c"))
			require.Equal(t, "value-c", req.RequestHeader("header-c"))
		},
	}} {
		t.Run(tt.name, func(t *testing.T) {
			req := filter.NewRequestContext()
			mutated := make(http.Header)
			req.Process(requestHeadersMessage(tt.headers), mutated)
			crw := filter.NewCommonResponseWriter(mutated)
			tt.mutate(t, crw)
			tt.assert(t, req)
		})
	}
}

func TestMetadata(t *testing.T) {
	t.Run("set and get", func(t *testing.T) {
		req := filter.NewRequestContext()
		req.Metadata().Set("key", "value")
		require.Equal(t, "value", req.Metadata().Get("key"))
	})

	t.Run("get non-existent key", func(t *testing.T) {
		req := filter.NewRequestContext()
		require.Nil(t, req.Metadata().Get("non-existent"))
	})

	t.Run("zero value request context", func(t *testing.T) {
		req := &filter.RequestContext{}
		require.Nil(t, req.Metadata().Get("key"))
		req.Metadata().Set("key", 1)
		require.Equal(t, 1, req.Metadata().Get("key"))
	})
}

func TestProcessRequestHeaders(t *testing.T) {
	for _, tt := range []struct {
		name    string
		headers http.Header
		assert  func(t *testing.T, req *filter.RequestContext)
	}{{
		name: "empty headers",
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Empty(t, req.RequestID())
			require.Empty(t, req.Authority())
			require.Empty(t, req.Method())
			require.Empty(t, req.Scheme())
			require.Empty(t, req.URL().Path)
			require.Empty(t, req.Status())
			require.Empty(t, req.RequestHeader("authorization"))
		},
	}, {
		name:    "pseudo headers",
		headers: envoyHeadersValue,
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Equal(t, "https", req.Scheme())
			require.Equal(t, "example.com", req.Authority())
			require.Equal(t, "GET", req.Method())
			require.Equal(t, "/", req.URL().Path)
			require.Equal(t, "a", req.URL().Query().Get("q"))
			require.Equal(t, requestID, req.RequestID())
			require.Equal(t, filter.RequestPhaseRequestHeaders, req.RequestPhase())
			require.Empty(t, req.Status())
		},
	}, {
		name: "path without query",
		headers: http.Header{
			":scheme":    []string{"https"},
			":authority": []string{"example.com"},
			":path":      []string{"/api"},
		},
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Equal(t, "/api", req.URL().Path)
			require.Equal(t, "", req.URL().Query().Get("q"))
		},
	}, {
		name: "authorization header is case insensitive",
		headers: http.Header{
			"authorization": []string{"Basic dGhvbWFzOnB3"},
		},
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Equal(t, "Basic dGhvbWFzOnB3", req.RequestHeader("Authorization"))
			require.Equal(t, "Basic dGhvbWFzOnB3", req.RawHeaders(filter.RequestPhaseRequestHeaders).Get("AUTHORIZATION"))
		},
	}} {
		t.Run(tt.name, func(t *testing.T) {
			req := filter.NewRequestContext()
			req.Process(requestHeadersMessage(tt.headers), nil)
			tt.assert(t, req)
		})
	}
}

func TestProcessResponseHeaders(t *testing.T) {
	for _, tt := range []struct {
		name    string
		headers http.Header
		raw     bool
		assert  func(t *testing.T, req *filter.RequestContext)
	}{{
		name: "empty headers",
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Empty(t, req.Status())
			require.Equal(t, filter.RequestPhaseResponseHeaders, req.RequestPhase())
		},
	}, {
		name:    "status set in value",
		headers: http.Header{":status": []string{"200"}},
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Equal(t, 200, req.Status())
			require.Equal(t, "2xx", req.StatusClass())
		},
	}, {
		name:    "status set in raw_value",
		headers: http.Header{":status": []string{"401"}},
		raw:     true,
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Equal(t, 401, req.Status())
			require.Equal(t, "4xx", req.StatusClass())
		},
	}, {
		name:    "www-authenticate",
		headers: http.Header{"Www-Authenticate": []string{`Basic realm="basic-auth-demo"`}},
		assert: func(t *testing.T, req *filter.RequestContext) {
			require.Equal(t, `Basic realm="basic-auth-demo"`, req.ResponseHeader("www-authenticate"))
			require.Len(t, req.ResponseHeaderValues("www-authenticate"), 1)
		},
	}} {
		t.Run(tt.name, func(t *testing.T) {
			req := filter.NewRequestContext()
			req.Process(responseHeadersMessage(tt.headers, tt.raw), nil)
			tt.assert(t, req)
		})
	}
}

func TestRequestPhases(t *testing.T) {
	req := filter.NewRequestContext()
	require.Equal(t, filter.RequestPhaseUnknown, req.RequestPhase())
	require.Zero(t, req.RequestDuration())

	req.Process(requestHeadersMessage(envoyHeadersValue), nil)
	req.Process(&extproc.ProcessingRequest_RequestBody{}, nil)
	require.Equal(t, filter.RequestPhaseRequestBody, req.RequestPhase())
	req.Process(&extproc.ProcessingRequest_ResponseTrailers{}, nil)
	require.Equal(t, filter.RequestPhaseResponseTrailers, req.RequestPhase())

	// request headers survive later phases
	require.Equal(t, "example.com", req.Authority())
	require.GreaterOrEqual(t, req.RequestDuration().Nanoseconds(), int64(0))
}

func TestSetStatus(t *testing.T) {
	req := filter.NewRequestContext()
	req.SetStatus(http.StatusUnauthorized)
	require.Equal(t, http.StatusUnauthorized, req.Status())
	require.Equal(t, "4xx", req.StatusClass())
}
