package apptest

import (
	"io"
	"net/url"
	"strings"
)

// Environ is the execution environment handed to an Application. It maps
// CGI-style string keys to values: strings for the request metadata keys,
// an io.Reader under EnvInput, an io.Writer under EnvErrors and booleans
// for the runtime flags. It is built once per hop by an EnvironBuilder and
// must not be mutated afterwards.
type Environ map[string]any

// Request metadata keys present in every built Environ.
const (
	EnvRequestMethod  = "REQUEST_METHOD"
	EnvScriptName     = "SCRIPT_NAME"
	EnvPathInfo       = "PATH_INFO"
	EnvQueryString    = "QUERY_STRING"
	EnvServerName     = "SERVER_NAME"
	EnvServerPort     = "SERVER_PORT"
	EnvHTTPHost       = "HTTP_HOST"
	EnvServerProtocol = "SERVER_PROTOCOL"
	EnvContentType    = "CONTENT_TYPE"
	EnvContentLength  = "CONTENT_LENGTH"
)

// Runtime keys describing how the application is being run.
const (
	EnvVersion      = "app.version"
	EnvURLScheme    = "app.url_scheme"
	EnvInput        = "app.input"
	EnvErrors       = "app.errors"
	EnvMultithread  = "app.multithread"
	EnvMultiprocess = "app.multiprocess"
	EnvRunOnce      = "app.run_once"
)

// headerEnvKey converts an HTTP header name to its environ key:
// upper-cased, hyphens replaced by underscores and prefixed with HTTP_.
// Content-Type and Content-Length are special-cased to their bare keys.
func headerEnvKey(name string) string {
	key := strings.ReplaceAll(strings.ToUpper(name), "-", "_")
	switch key {
	case "CONTENT_TYPE", "CONTENT_LENGTH":
		return key
	}
	return "HTTP_" + key
}

// GetString returns the value under key when it is a string, or "".
func (e Environ) GetString(key string) string {
	s, _ := e[key].(string)
	return s
}

// Input returns the request body stream, or nil when absent.
func (e Environ) Input() io.Reader {
	r, _ := e[EnvInput].(io.Reader)
	return r
}

// Errors returns the error sink exposed to the application, or nil.
func (e Environ) Errors() io.Writer {
	w, _ := e[EnvErrors].(io.Writer)
	return w
}

// Host returns the effective request host, preferring HTTP_HOST and
// falling back to SERVER_NAME with a non-default SERVER_PORT appended.
func (e Environ) Host() string {
	if host := e.GetString(EnvHTTPHost); host != "" {
		return host
	}
	host := e.GetString(EnvServerName)
	port := e.GetString(EnvServerPort)
	scheme := e.GetString(EnvURLScheme)
	if port == "" || (scheme == "https" && port == "443") || (scheme != "https" && port == "80") {
		return host
	}
	return host + ":" + port
}

// RequestURL reconstructs the effective request URL from the environ.
func (e Environ) RequestURL() *url.URL {
	scheme := e.GetString(EnvURLScheme)
	if scheme == "" {
		scheme = "http"
	}
	path := e.GetString(EnvScriptName) + e.GetString(EnvPathInfo)
	if path == "" {
		path = "/"
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     e.Host(),
		Path:     path,
		RawQuery: e.GetString(EnvQueryString),
	}
}
