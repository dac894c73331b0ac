// Package echo is a small upstream used to observe what the gateway forwards after the filters ran.
package echo

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// Identity headers the basic auth filter forwards upstream.
const (
	UserHeader  = "X-Authenticated-User"
	RolesHeader = "X-Authenticated-Roles"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type RequestHeaderResponse struct {
	Headers map[string]string `json:"headers"`
}

// WhoamiResponse describes the identity the upstream received for a request.
type WhoamiResponse struct {
	User          string   `json:"user"`
	Roles         []string `json:"roles"`
	Authorization bool     `json:"authorization"`
}

// Register adds the echo routes to mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/headers", RequestHeaders)
	mux.HandleFunc("/response-headers", ResponseHeaders)
	mux.HandleFunc("/whoami", Whoami)
}

func NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	Register(mux)
	return mux
}

// RequestHeaders writes the request headers in the payload
func RequestHeaders(w http.ResponseWriter, request *http.Request) {
	w.Header().Set("content-type", "application/json")
	resp := RequestHeaderResponse{
		Headers: make(map[string]string),
	}
	for headerName := range request.Header {
		resp.Headers[headerName] = strings.Join(request.Header.Values(headerName), ",")
	}

	resp.Headers["Host"] = request.Host
	resp.Headers["Method"] = request.Method
	resp.Headers["Path"] = request.URL.Path

	respond(w, http.StatusOK, resp)
}

type ResponseHeaderResponse map[string]string

// ResponseHeaders writes response headers from query parameters.
func ResponseHeaders(w http.ResponseWriter, request *http.Request) {
	w.Header().Set("content-type", "application/json")
	resp := make(ResponseHeaderResponse)
	status := http.StatusOK
	for k, v := range request.URL.Query() {
		if len(v) <= 0 {
			continue
		}
		if k == "status" {
			statusCode, err := strconv.Atoi(v[0])
			if err != nil || statusCode < 100 || statusCode > 599 {
				respond(w, http.StatusBadRequest, ErrorResponse{Error: "invalid status " + strconv.Quote(v[0])})
				return
			}
			status = statusCode
			continue
		}
		for _, value := range v {
			w.Header().Add(k, value)
		}
		resp[k] = v[0]
	}
	respond(w, status, resp)
}

// Whoami reports the identity headers set by the gateway. Requests without one are answered with 401 so a
// misconfigured gateway does not go unnoticed.
func Whoami(w http.ResponseWriter, request *http.Request) {
	w.Header().Set("content-type", "application/json")
	user := request.Header.Get(UserHeader)
	if user == "" {
		respond(w, http.StatusUnauthorized, ErrorResponse{Error: "no authenticated user"})
		return
	}
	resp := WhoamiResponse{
		User:          user,
		Roles:         []string{},
		Authorization: request.Header.Get("Authorization") != "",
	}
	if roles := request.Header.Get(RolesHeader); roles != "" {
		resp.Roles = strings.Split(roles, ",")
	}
	respond(w, http.StatusOK, resp)
}

func respond(w http.ResponseWriter, statusCode int, v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(statusCode)
	w.Write(raw) // nolint:errcheck
}
