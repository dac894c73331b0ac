// Package httptest runs HTTP test cases described in YAML against a gateway and asserts on what the client
// got back and on what the upstream echo server received.
package httptest

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"testing"
	"text/template"
	"time"

	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

const (
	defaultEndpoint = "http://127.0.0.1:10000"
	endpointEnv     = "EXTPROC_TEST_ENDPOINT"
)

type TestCases []Case

type Case struct {
	Name   string `json:"name"`
	Input  Input  `json:"input"`
	Expect Expect `json:"expect"`

	retry    Retry
	endpoint string
}

type Retry struct {
	MaxAttempts int           // Maximum number of retries
	WaitMin     time.Duration // Minimum time to wait
	WaitMax     time.Duration // Maximum time to wait

	// PostHook specifies a policy for handling retries. It is called
	// following each request with the response and error values returned by
	// the http call. If PostHook returns false, the Client stops retrying
	PostHook func(Actual) bool
}

type Options interface {
	apply(*Case)
}

type optionFunc func(*Case)

func (f optionFunc) apply(v *Case) {
	f(v)
}

func WithRetry(r Retry) Options {
	return optionFunc(func(c *Case) {
		c.retry = r
	})
}

// WithEndpoint sets the base URL requests are sent to. It defaults to $EXTPROC_TEST_ENDPOINT, then to
// http://127.0.0.1:10000.
func WithEndpoint(endpoint string) Options {
	return optionFunc(func(c *Case) {
		c.endpoint = strings.TrimSuffix(endpoint, "/")
	})
}

func (c Case) Run(t *testing.T, opts ...Options) {
	for _, opt := range opts {
		opt.apply(&c)
	}
	t.Run(c.Name, func(t *testing.T) {
		var err error
		for attempt := 0; attempt <= c.retry.MaxAttempts; attempt++ {
			got := httpCall(t, c)
			err = c.Expect.Assert(t, got)
			if err == nil {
				break
			}
			if c.retry.PostHook != nil {
				if !c.retry.PostHook(got) {
					break
				}
			}
			if attempt == c.retry.MaxAttempts {
				break
			}
			mult := math.Pow(2, float64(attempt)) * float64(c.retry.WaitMin)
			sleep := time.Duration(mult)
			if float64(sleep) != mult || sleep > c.retry.WaitMax {
				sleep = c.retry.WaitMax
			}
			t.Logf("test %q failed, attempt %d/%d. Retrying in %v", c.Name, attempt, c.retry.MaxAttempts, sleep)
			time.Sleep(sleep)
		}
		require.NoError(t, err)
	})
}

type Input struct {
	Headers   Headers    `json:"headers"`
	BasicAuth *BasicAuth `json:"basicAuth"`
}

// BasicAuth sends an Authorization header built from these credentials.
type BasicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Headers []HeaderValue

func (headers Headers) Get(key string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

type Actual struct {
	Status          int
	ResponseHeaders http.Header
	RequestHeaders  http.Header
	Body            string
}

type Expect struct {
	Status          *int          `json:"status"`
	RequestHeaders  []HeaderMatch `json:"requestHeaders"`
	ResponseHeaders []HeaderMatch `json:"responseHeaders"`
	ResponseBody    *StringMatch  `json:"responseBody"`
}

func (e Expect) Assert(t *testing.T, actual Actual) error {
	t.Helper()
	if e.Status != nil && *e.Status != actual.Status {
		return fmt.Errorf("status should be %d and it is %d, body: %q", *e.Status, actual.Status, actual.Body)
	}

	for _, h := range e.RequestHeaders {
		if !h.Assert(t, actual.RequestHeaders.Values(h.Name)...) {
			return fmt.Errorf("header match fail: request header %q should match %q header values with %q=%q and its values are %v", h.Name, cmp.Or(h.MatchAction, MatchActionFirst), h.MatchType(), h.MatchValue(), actual.RequestHeaders.Values(h.Name))
		}
	}

	for _, h := range e.ResponseHeaders {
		if !h.Assert(t, actual.ResponseHeaders.Values(h.Name)...) {
			return fmt.Errorf("header match fail: response header %q should match %q header values with %q=%q and its values are %q", h.Name, cmp.Or(h.MatchAction, MatchActionFirst), h.MatchType(), h.MatchValue(), actual.ResponseHeaders.Values(h.Name))
		}
	}
	if e.ResponseBody != nil && !e.ResponseBody.Assert(t, actual.Body) {
		return fmt.Errorf("response body should match %q=%q and its content is \n%q", e.ResponseBody.MatchType(), e.ResponseBody.MatchValue(), actual.Body)
	}
	return nil
}

type HeaderValue struct {
	Key   string `json:"name"`
	Value string `json:"value"`
}

type HeaderMatch struct {
	Name string `json:"name"`
	StringMatch
}

func (cases TestCases) Run(t *testing.T, opts ...Options) {
	for _, tt := range cases {
		tt.Run(t, opts...)
	}
}

func httpCall(t *testing.T, tt Case) Actual {
	t.Helper()
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	defer httpClient.CloseIdleConnections()

	baseURL := cmp.Or(tt.endpoint, os.Getenv(endpointEnv), defaultEndpoint)
	url := fmt.Sprintf("%s%s", baseURL, tt.Input.Headers.Get("path"))
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)

	for _, header := range tt.Input.Headers {
		switch strings.ToLower(header.Key) {
		case "host":
			req.Host = header.Value
		case "method":
			req.Method = header.Value
		case "path":
		default:
			req.Header.Add(header.Key, header.Value)
		}
	}
	if tt.Input.BasicAuth != nil {
		req.SetBasicAuth(tt.Input.BasicAuth.Username, tt.Input.BasicAuth.Password)
	}
	res, err := httpClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.True(t, res.StatusCode >= 200 && res.StatusCode <= 599, "invalid status code %d in response from server", res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	requestHeaders := http.Header{}
	if res.StatusCode == http.StatusOK && tt.Expect.RequestHeaders != nil {
		var response struct {
			Headers map[string]string `json:"headers"`
		}
		err = json.NewDecoder(bytes.NewReader(body)).Decode(&response)
		require.NoError(t, err, "error decoding response")

		for k, v := range response.Headers {
			requestHeaders.Add(k, v)
		}
	}
	res.Header.Add("status", strconv.Itoa(res.StatusCode))
	return Actual{
		Status:          res.StatusCode,
		ResponseHeaders: res.Header,
		RequestHeaders:  requestHeaders,
		Body:            string(body),
	}
}

// Load reads test cases from a YAML file. Cases talk to a running gateway, so they are skipped with -short.
func Load(t *testing.T, path string) TestCases {
	if testing.Short() {
		t.Skip("skipping gateway test cases in short mode")
	}
	return Read(t, nil, path)
}

func LoadTemplate(t *testing.T, path string, templateData any) TestCases {
	if testing.Short() {
		t.Skip("skipping gateway test cases in short mode")
	}
	return Read(t, templateData, path)
}

// Read renders files as templates with templateData and decodes the "---" separated cases they contain.
// Relative names are looked up in testdata/.
func Read(t *testing.T, templateData any, files ...string) TestCases {
	t.Helper()
	var configs TestCases
	for _, fileName := range files {
		if !strings.Contains(fileName, "testdata/") {
			fileName = fmt.Sprintf("testdata/%s", fileName)
		}

		tmpl, err := template.ParseFiles(fileName)
		require.NoError(t, err)
		b := bytes.NewBuffer([]byte{})
		err = tmpl.Execute(b, templateData)
		require.NoError(t, err)

		for _, doc := range bytes.Split(b.Bytes(), []byte("\n---")) {
			if len(bytes.TrimSpace(doc)) == 0 {
				continue
			}
			var testcase Case
			err = yaml.UnmarshalStrict(doc, &testcase)
			require.NoError(t, err, "%s: invalid test case", fileName)
			configs = append(configs, testcase)
		}
	}

	return configs
}
