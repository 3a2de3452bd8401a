package apptest

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// cookieJarAdapter bridges an http.CookieJar to the execution-environment
// header model. Matching and expiry policy stays entirely with the jar;
// the adapter only moves header values in and out.
type cookieJarAdapter struct {
	jar http.CookieJar
}

// inject sets the jar's cookies for the request URL as a single
// semicolon-separated HTTP_COOKIE entry, leaving the environ untouched
// when the jar yields none.
func (a cookieJarAdapter) inject(env Environ) {
	cookies := a.jar.Cookies(env.RequestURL())
	if len(cookies) == 0 {
		return
	}
	pairs := make([]string, len(cookies))
	for i, cookie := range cookies {
		pairs[i] = cookie.Name + "=" + cookie.Value
	}
	env[headerEnvKey("Cookie")] = strings.Join(pairs, "; ")
}

// extract stores the response's Set-Cookie headers in the jar, keyed by
// the request URL reconstructed from the environ. The header collection
// is consulted through http.Header's case-insensitive multi-value view.
func (a cookieJarAdapter) extract(env Environ, header http.Header) {
	cookies := (&http.Response{Header: header}).Cookies()
	if len(cookies) == 0 {
		return
	}
	a.jar.SetCookies(env.RequestURL(), cookies)
}

// SetCookie stores a cookie in the client's jar for the given server
// name, as if a response from that server had set it.
func (c *Client) SetCookie(serverName, name, value string) error {
	if c.jar == nil {
		return ErrCookiesDisabled
	}
	u := &url.URL{Scheme: "http", Host: serverName, Path: "/"}
	c.jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
	return nil
}

// DeleteCookie removes a cookie from the client's jar by storing an
// already-expired replacement.
func (c *Client) DeleteCookie(serverName, name string) error {
	if c.jar == nil {
		return ErrCookiesDisabled
	}
	u := &url.URL{Scheme: "http", Host: serverName, Path: "/"}
	c.jar.SetCookies(u, []*http.Cookie{{
		Name:    name,
		Value:   "",
		Path:    "/",
		MaxAge:  -1,
		Expires: time.Unix(0, 0),
	}})
	return nil
}
