package apptest

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client) error

// WithResponseWrapper installs a wrapper applied to the final hop's
// response of every call.
func WithResponseWrapper(wrapper ResponseWrapper) ClientOption {
	return func(c *Client) error {
		c.wrapper = wrapper
		return nil
	}
}

// WithoutCookies disables cookie handling entirely. Cookie operations on
// such a client return ErrCookiesDisabled.
func WithoutCookies() ClientOption {
	return func(c *Client) error {
		c.jar = nil
		return nil
	}
}

// WithCookieJar replaces the default in-memory jar.
func WithCookieJar(jar http.CookieJar) ClientOption {
	return func(c *Client) error {
		c.jar = jar
		return nil
	}
}

// WithAllowSubdomainRedirects permits redirects to subdomains of the
// original host instead of requiring an exact host match.
func WithAllowSubdomainRedirects() ClientOption {
	return func(c *Client) error {
		c.allowSubdomainRedirects = true
		return nil
	}
}

// WithLogger sets the logger used for swallowed teardown failures and
// redirect tracing.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithEnvironBase sets default environ entries merged beneath the
// computed keys of every request issued by the client.
func WithEnvironBase(base Environ) ClientOption {
	return func(c *Client) error {
		c.environBase = base
		return nil
	}
}

// requestConfig collects the per-call settings: the environment builder
// plus the flags that shape one Open call. sawRawBody and sawForm detect
// conflicting body options supplied for the same call; on the builder
// itself a later variant simply replaces the earlier one.
type requestConfig struct {
	builder         *EnvironBuilder
	followRedirects bool
	buffered        bool
	sawRawBody      bool
	sawForm         bool
}

func (cfg *requestConfig) validate() error {
	if cfg.sawRawBody && cfg.sawForm {
		return fmt.Errorf("%w: can't provide both an input stream and form data", ErrInvalidConfig)
	}
	return nil
}

// RequestOption is a functional option for a single request.
type RequestOption func(*requestConfig) error

// WithBaseURL sets the base URL the request is issued under, providing
// the URL scheme, the host and the script root.
func WithBaseURL(baseURL string) RequestOption {
	return func(cfg *requestConfig) error {
		return cfg.builder.SetBaseURL(baseURL)
	}
}

// WithQueryString sets the literal query string.
func WithQueryString(qs string) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.SetQueryString(qs)
		return nil
	}
}

// WithQueryParam appends a structured query parameter.
func WithQueryParam(key, value string) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.AddQueryParam(key, value)
		return nil
	}
}

// WithHeader appends a request header.
func WithHeader(key, value string) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.AddHeader(key, value)
		return nil
	}
}

// WithContentType sets the Content-Type header explicitly.
func WithContentType(contentType string) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.SetContentType(contentType)
		return nil
	}
}

// WithContentLength declares the content length for bodies the builder
// does not materialize itself.
func WithContentLength(n int64) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.SetContentLength(n)
		return nil
	}
}

// WithBody makes a raw seekable stream the request body.
func WithBody(r io.Reader) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.SetInput(r)
		cfg.sawRawBody = true
		return nil
	}
}

// WithBodyString makes the given bytes the request body.
func WithBodyString(body string) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.SetInput(strings.NewReader(body))
		cfg.sawRawBody = true
		return nil
	}
}

// WithFormField appends a form field to the request body.
func WithFormField(name, value string) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.AddField(name, value)
		cfg.sawForm = true
		return nil
	}
}

// WithFile appends a file upload to the request body. source is owned by
// the request and closed after the call when it implements io.Closer.
func WithFile(fieldName, filename, contentType string, source io.Reader) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.AddFile(&FileUpload{
			FieldName:   fieldName,
			Filename:    filename,
			ContentType: contentType,
			Source:      source,
		})
		cfg.sawForm = true
		return nil
	}
}

// WithCharset sets the character set used to encode form fields.
func WithCharset(charset string) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.charset = charset
		return nil
	}
}

// WithSpillThreshold overrides the multipart encoder's memory-to-disk
// threshold for this request.
func WithSpillThreshold(n int64) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.spillThreshold = n
		return nil
	}
}

// WithServerProtocol overrides the SERVER_PROTOCOL value.
func WithServerProtocol(proto string) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.serverProtocol = proto
		return nil
	}
}

// WithErrorsStream sets the error sink exposed to the application.
func WithErrorsStream(w io.Writer) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.errorsStream = w
		return nil
	}
}

// WithRuntimeFlags sets the multithread, multiprocess and run-once
// environ flags.
func WithRuntimeFlags(multithread, multiprocess, runOnce bool) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.multithread = multithread
		cfg.builder.multiprocess = multiprocess
		cfg.builder.runOnce = runOnce
		return nil
	}
}

// WithEnvironOverrides sets entries merged over everything the builder
// computes.
func WithEnvironOverrides(overrides Environ) RequestOption {
	return func(cfg *requestConfig) error {
		cfg.builder.environOverrides = overrides
		return nil
	}
}

// FollowRedirects makes the call follow redirect responses until a
// non-redirect status is seen, subject to the cross-origin policy and
// loop detection.
func FollowRedirects() RequestOption {
	return func(cfg *requestConfig) error {
		cfg.followRedirects = true
		return nil
	}
}

// Buffered drains the application's body eagerly and fires its release
// hook before the call returns.
func Buffered() RequestOption {
	return func(cfg *requestConfig) error {
		cfg.buffered = true
		return nil
	}
}
