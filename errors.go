package apptest

import "errors"

// Sentinel errors returned by the harness. Callers should match them with
// errors.Is since most are returned wrapped with additional context.
var (
	// ErrInvalidConfig reports conflicting or invalid builder options, for
	// example a base URL carrying a query string or a raw body combined
	// with form fields.
	ErrInvalidConfig = errors.New("invalid request configuration")

	// ErrProtocol reports an application that violated the adapter
	// contract, most commonly by finishing its body without ever calling
	// the start-response callback.
	ErrProtocol = errors.New("application protocol violation")

	// ErrRedirectLoop reports a repeated (location, status) pair while
	// following redirects within a single call.
	ErrRedirectLoop = errors.New("redirect loop detected")

	// ErrCrossOriginRedirect reports a redirect target outside the host
	// (or permitted subdomains) of the original request.
	ErrCrossOriginRedirect = errors.New("cross-origin redirect refused")

	// ErrCookiesDisabled is returned by cookie operations on a client
	// created with WithoutCookies.
	ErrCookiesDisabled = errors.New("cookie support is disabled")
)
