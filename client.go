// Package apptest drives a request-handling application through a
// synchronous request/response contract without a network socket. A
// Client builds an execution environment per call, invokes the
// application, carries cookies across calls and follows redirects while
// detecting loops.
package apptest

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"slices"
	"strings"
)

// Client issues in-process requests against one Application. The cookie
// jar is shared by every call made through the same Client and
// accumulates across calls; the Client itself is not safe for concurrent
// use.
type Client struct {
	app                     Application
	jar                     http.CookieJar
	wrapper                 ResponseWrapper
	allowSubdomainRedirects bool
	environBase             Environ
	logger                  *slog.Logger
}

// NewClient returns a Client around app. Cookies are enabled by default
// with a fresh in-memory jar.
func NewClient(app Application, opts ...ClientOption) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		app:    app,
		jar:    jar,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// redirectEntry records one (location, status) hop within a single Open
// call; a repeat is a loop.
type redirectEntry struct {
	location string
	status   int
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusUseProxy, http.StatusTemporaryRedirect:
		return true
	}
	return false
}

// Open issues a request with the given method and path and returns the
// final response. With FollowRedirects, each redirect hop rebuilds a
// fresh environment, re-injects cookies and re-runs the application; the
// configured response wrapper is applied to the final hop only.
func (c *Client) Open(method, path string, opts ...RequestOption) (*Response, error) {
	cfg := c.newRequestConfig(method, path)
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			_ = cfg.builder.Close()
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		_ = cfg.builder.Close()
		return nil, err
	}

	resp, env, err := c.performHop(cfg)
	if err != nil {
		return nil, err
	}

	var chain []redirectEntry
	for cfg.followRedirects && isRedirectStatus(resp.StatusCode) {
		location := resp.Header.Get("Location")
		if location == "" {
			_ = resp.Close()
			return nil, fmt.Errorf("%w: redirect response without Location header", ErrProtocol)
		}
		entry := redirectEntry{location: location, status: resp.StatusCode}
		if slices.Contains(chain, entry) {
			_ = resp.Close()
			return nil, fmt.Errorf("%w: %d %s revisited", ErrRedirectLoop, entry.status, entry.location)
		}
		chain = append(chain, entry)
		c.logger.Debug("following redirect", "location", location, "status", resp.StatusCode)
		_ = resp.Close()
		resp, env, err = c.resolveRedirect(env, location, cfg)
		if err != nil {
			return nil, err
		}
	}

	if c.wrapper != nil {
		resp = c.wrapper(resp)
	}
	return resp, nil
}

func (c *Client) newRequestConfig(method, path string) *requestConfig {
	builder := NewEnvironBuilder(method, path)
	builder.environBase = c.environBase
	builder.logger = c.logger
	return &requestConfig{builder: builder}
}

// performHop runs one request/response cycle: build the environment,
// inject cookies, run the application and extract new cookies. In
// streaming mode the builder's resources stay alive until the returned
// body is exhausted or closed.
func (c *Client) performHop(cfg *requestConfig) (*Response, Environ, error) {
	builder := cfg.builder
	env, err := builder.Build()
	if err != nil {
		_ = builder.Close()
		return nil, nil, err
	}
	if c.jar != nil {
		cookieJarAdapter{c.jar}.inject(env)
	}

	resp, err := runApplication(c.app, env, cfg.buffered)
	if err != nil {
		if closeErr := builder.Close(); closeErr != nil {
			c.logger.Warn("releasing request resources", "error", closeErr)
		}
		return nil, nil, err
	}

	if cfg.buffered {
		if closeErr := builder.Close(); closeErr != nil {
			c.logger.Warn("releasing request resources", "error", closeErr)
		}
	} else {
		resp.Body = &bodyWithRelease{inner: resp.Body, release: func() {
			if closeErr := builder.Close(); closeErr != nil {
				c.logger.Warn("releasing request resources", "error", closeErr)
			}
		}}
	}

	if c.jar != nil {
		cookieJarAdapter{c.jar}.extract(env, resp.Header)
	}
	return resp, env, nil
}

// resolveRedirect checks the cross-origin policy for the target location
// and performs the next hop. Redirect hops are GET requests against the
// target's path and query, with the base URL derived from its scheme and
// authority.
func (c *Client) resolveRedirect(env Environ, location string, cfg *requestConfig) (*Response, Environ, error) {
	target, err := url.Parse(location)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unparsable redirect location %q: %s", ErrProtocol, location, err)
	}
	target = env.RequestURL().ResolveReference(target)

	targetLabels := strings.Split(hostWithoutPort(target.Host), ".")
	originLabels := strings.Split(hostWithoutPort(env.Host()), ".")
	allowed := slices.Equal(targetLabels, originLabels)
	if !allowed && c.allowSubdomainRedirects && len(targetLabels) >= len(originLabels) {
		allowed = slices.Equal(targetLabels[len(targetLabels)-len(originLabels):], originLabels)
	}
	if !allowed {
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrCrossOriginRedirect,
			env.Host(), target.Host)
	}

	hop := c.newRequestConfig(http.MethodGet, target.Path)
	hop.followRedirects = cfg.followRedirects
	hop.buffered = cfg.buffered
	if err := hop.builder.SetBaseURL(target.Scheme + "://" + target.Host + "/"); err != nil {
		_ = hop.builder.Close()
		return nil, nil, err
	}
	hop.builder.SetQueryString(target.RawQuery)
	return c.performHop(hop)
}

func hostWithoutPort(host string) string {
	name, _, _ := strings.Cut(host, ":")
	return name
}

// bodyWithRelease ties builder-owned resources (upload sources, spill
// files) to the lifetime of a streaming body: they are released when the
// body is exhausted or closed, whichever comes first.
type bodyWithRelease struct {
	inner   BodyIterator
	release func()
}

func (b *bodyWithRelease) Next() ([]byte, bool) {
	chunk, ok := b.inner.Next()
	if !ok {
		b.release()
	}
	return chunk, ok
}

func (b *bodyWithRelease) Close() error {
	var err error
	if closer, ok := b.inner.(io.Closer); ok {
		err = closer.Close()
	}
	b.release()
	return err
}

// Get issues a request with the method forced to GET.
func (c *Client) Get(path string, opts ...RequestOption) (*Response, error) {
	return c.Open(http.MethodGet, path, opts...)
}

// Post issues a request with the method forced to POST.
func (c *Client) Post(path string, opts ...RequestOption) (*Response, error) {
	return c.Open(http.MethodPost, path, opts...)
}

// Put issues a request with the method forced to PUT.
func (c *Client) Put(path string, opts ...RequestOption) (*Response, error) {
	return c.Open(http.MethodPut, path, opts...)
}

// Patch issues a request with the method forced to PATCH.
func (c *Client) Patch(path string, opts ...RequestOption) (*Response, error) {
	return c.Open(http.MethodPatch, path, opts...)
}

// Delete issues a request with the method forced to DELETE.
func (c *Client) Delete(path string, opts ...RequestOption) (*Response, error) {
	return c.Open(http.MethodDelete, path, opts...)
}

// Head issues a request with the method forced to HEAD.
func (c *Client) Head(path string, opts ...RequestOption) (*Response, error) {
	return c.Open(http.MethodHead, path, opts...)
}

// Options issues a request with the method forced to OPTIONS.
func (c *Client) Options(path string, opts ...RequestOption) (*Response, error) {
	return c.Open(http.MethodOptions, path, opts...)
}

// Trace issues a request with the method forced to TRACE.
func (c *Client) Trace(path string, opts ...RequestOption) (*Response, error) {
	return c.Open(http.MethodTrace, path, opts...)
}

// CreateEnviron builds an execution environment without running an
// application. The returned release function frees builder-owned
// resources and must be called once the environment is no longer used.
func CreateEnviron(method, path string, opts ...RequestOption) (Environ, func(), error) {
	cfg := &requestConfig{builder: NewEnvironBuilder(method, path)}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			_ = cfg.builder.Close()
			return nil, nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		_ = cfg.builder.Close()
		return nil, nil, err
	}
	env, err := cfg.builder.Build()
	if err != nil {
		_ = cfg.builder.Close()
		return nil, nil, err
	}
	builder := cfg.builder
	return env, func() { _ = builder.Close() }, nil
}
