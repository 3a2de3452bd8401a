package apptest

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// queryKind selects which query source is active:
// none, a literal query string, or structured parameters. Setting one
// variant clears the other.
type queryKind int

const (
	queryNone queryKind = iota
	queryLiteral
	queryArgs
)

// EnvironBuilder assembles the execution environment for a single
// application invocation from high-level request parameters. A builder
// is used for one hop and closed afterwards; Close releases every upload
// source handed to it and any temporary file produced while encoding the
// body.
type EnvironBuilder struct {
	method         string
	path           string
	scriptRoot     string
	host           string
	urlScheme      string
	serverProtocol string
	charset        string

	qkind       queryKind
	queryString string
	args        *FormValues

	headers       http.Header
	contentLength int64

	// Body variants. input, form and files are mutually exclusive;
	// each setter clears the opposing variant so the last one wins.
	input io.Reader
	form  *FormValues
	files []*FileUpload

	errorsStream io.Writer
	multithread  bool
	multiprocess bool
	runOnce      bool

	environBase      Environ
	environOverrides Environ

	spillThreshold int64
	boundary       string

	closers     []io.Closer
	bodyCleanup func() error
	closed      bool
	logger      *slog.Logger
}

// NewEnvironBuilder returns a builder for the given method and request
// path. The base URL defaults to http://localhost/, the protocol to
// HTTP/1.1 and the charset to UTF-8.
func NewEnvironBuilder(method, path string) *EnvironBuilder {
	if method == "" {
		method = http.MethodGet
	}
	if path == "" {
		path = "/"
	}
	return &EnvironBuilder{
		method:         method,
		path:           path,
		host:           "localhost",
		urlScheme:      "http",
		serverProtocol: "HTTP/1.1",
		charset:        "utf-8",
		headers:        make(http.Header),
		contentLength:  -1,
		errorsStream:   os.Stderr,
		logger:         slog.Default(),
	}
}

// SetBaseURL decomposes a base URL into the URL scheme, the host and the
// script root. A base URL carrying a query string or fragment is invalid.
func (b *EnvironBuilder) SetBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: base URL %q: %s", ErrInvalidConfig, raw, err)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%w: base URL must not contain a query string or fragment", ErrInvalidConfig)
	}
	b.urlScheme = u.Scheme
	if b.urlScheme == "" {
		b.urlScheme = "http"
	}
	b.host = u.Host
	if b.host == "" {
		b.host = "localhost"
	}
	b.scriptRoot = strings.TrimRight(u.Path, "/")
	return nil
}

// SetInput makes a raw stream the request body, clearing any form fields
// and file uploads. The stream must be seekable by the time Build runs.
func (b *EnvironBuilder) SetInput(r io.Reader) {
	b.input = r
	b.form = nil
	b.files = nil
}

// AddField appends a form field, clearing any raw input stream.
func (b *EnvironBuilder) AddField(name, value string) {
	if b.form == nil {
		b.form = NewFormValues()
	}
	b.form.Add(name, value)
	b.input = nil
}

// AddFile appends a file upload, clearing any raw input stream. When the
// upload's Source implements io.Closer the builder takes ownership and
// closes it on Close, whether or not the body is ever encoded.
func (b *EnvironBuilder) AddFile(upload *FileUpload) {
	b.files = append(b.files, upload)
	b.input = nil
	if closer, ok := upload.Source.(io.Closer); ok {
		b.closers = append(b.closers, closer)
	}
}

// SetQueryString sets the literal query string variant, clearing any
// structured parameters.
func (b *EnvironBuilder) SetQueryString(qs string) {
	b.qkind = queryLiteral
	b.queryString = qs
	b.args = nil
}

// AddQueryParam appends a structured query parameter, clearing any
// literal query string.
func (b *EnvironBuilder) AddQueryParam(key, value string) {
	if b.qkind != queryArgs || b.args == nil {
		b.args = NewFormValues()
	}
	b.qkind = queryArgs
	b.queryString = ""
	b.args.Add(key, value)
}

// AddHeader appends a request header.
func (b *EnvironBuilder) AddHeader(key, value string) {
	b.headers.Add(key, value)
}

// SetHeader replaces a request header.
func (b *EnvironBuilder) SetHeader(key, value string) {
	b.headers.Set(key, value)
}

// SetContentType sets the Content-Type header explicitly, disabling the
// method-based default.
func (b *EnvironBuilder) SetContentType(ct string) {
	b.headers.Set("Content-Type", ct)
}

// SetContentLength fixes the declared content length for bodies the
// builder does not materialize itself.
func (b *EnvironBuilder) SetContentLength(n int64) {
	b.contentLength = n
}

// contentType resolves the effective content type. With no explicit
// header and no raw stream, body-carrying methods default to multipart
// when uploads are present and to url-encoded when only fields are.
func (b *EnvironBuilder) contentType() string {
	if ct := b.headers.Get("Content-Type"); ct != "" {
		return ct
	}
	if b.input != nil {
		return ""
	}
	switch b.method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if len(b.files) > 0 {
			return "multipart/form-data"
		}
		if b.form != nil && b.form.Len() > 0 {
			return "application/x-www-form-urlencoded"
		}
	}
	return ""
}

func (b *EnvironBuilder) serverName() string {
	name, _, _ := strings.Cut(b.host, ":")
	return name
}

func (b *EnvironBuilder) serverPort() int {
	if _, port, ok := strings.Cut(b.host, ":"); ok {
		if n, err := strconv.Atoi(port); err == nil {
			return n
		}
	}
	if b.urlScheme == "https" {
		return 443
	}
	return 80
}

// Build finalizes the body and produces the execution environment. The
// result merges, in order: the environ base, the computed request keys,
// header-derived HTTP_ keys and the explicit overrides, later entries
// winning.
func (b *EnvironBuilder) Build() (Environ, error) {
	enc, err := lookupCharset(b.charset)
	if err != nil {
		return nil, err
	}

	contentType := b.contentType()
	mediaType := contentType
	var ctParams map[string]string
	if contentType != "" {
		if mt, params, err := mime.ParseMediaType(contentType); err == nil {
			mediaType, ctParams = mt, params
		}
	}
	var (
		input  io.Reader
		length int64
	)
	switch {
	case b.input != nil:
		seeker, ok := b.input.(io.Seeker)
		if !ok {
			return nil, fmt.Errorf("%w: raw input stream must be seekable", ErrInvalidConfig)
		}
		start, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, fmt.Errorf("measuring input stream: %w", err)
		}
		end, err := seeker.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, fmt.Errorf("measuring input stream: %w", err)
		}
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewinding input stream: %w", err)
		}
		input = b.input
		length = end - start

	case mediaType == "multipart/form-data":
		boundary := b.boundary
		if boundary == "" {
			boundary = ctParams["boundary"]
		}
		artifact, err := encodeMultipart(b.form, b.files, b.spillThreshold, boundary, enc)
		if err != nil {
			return nil, err
		}
		b.bodyCleanup = artifact.cleanup
		input = artifact.stream
		length = artifact.length
		if ctParams["boundary"] == "" {
			contentType += fmt.Sprintf(`; boundary="%s"`, artifact.boundary)
		}

	case mediaType == "application/x-www-form-urlencoded":
		form := b.form
		if form == nil {
			form = NewFormValues()
		}
		encoded, err := form.Encode(enc)
		if err != nil {
			return nil, err
		}
		input = strings.NewReader(encoded)
		length = int64(len(encoded))

	default:
		input = strings.NewReader("")
		if b.contentLength >= 0 {
			length = b.contentLength
		}
	}

	path := b.path
	queryString := b.queryString
	switch b.qkind {
	case queryNone:
		if before, after, ok := strings.Cut(path, "?"); ok {
			path, queryString = before, after
		}
	case queryArgs:
		queryString, err = b.args.Encode(enc)
		if err != nil {
			return nil, err
		}
	}

	env := make(Environ)
	maps.Copy(env, b.environBase)
	env[EnvRequestMethod] = b.method
	env[EnvScriptName] = b.scriptRoot
	env[EnvPathInfo] = path
	env[EnvQueryString] = queryString
	env[EnvServerName] = b.serverName()
	env[EnvServerPort] = strconv.Itoa(b.serverPort())
	env[EnvHTTPHost] = b.host
	env[EnvServerProtocol] = b.serverProtocol
	env[EnvContentType] = contentType
	env[EnvContentLength] = strconv.FormatInt(length, 10)
	env[EnvVersion] = "1.0"
	env[EnvURLScheme] = b.urlScheme
	env[EnvInput] = input
	env[EnvErrors] = b.errorsStream
	env[EnvMultithread] = b.multithread
	env[EnvMultiprocess] = b.multiprocess
	env[EnvRunOnce] = b.runOnce
	for key, values := range b.headers {
		envKey := headerEnvKey(key)
		if envKey == EnvContentType || envKey == EnvContentLength {
			continue
		}
		env[envKey] = strings.Join(values, ", ")
	}
	maps.Copy(env, b.environOverrides)
	return env, nil
}

// Close releases every owned resource: upload sources and the spill file
// of an encoded multipart body. Individual failures are logged and
// aggregated rather than aborting the remaining closes, and calling
// Close again is a no-op.
func (b *EnvironBuilder) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	var errs *multierror.Error
	for _, closer := range b.closers {
		if err := closer.Close(); err != nil {
			b.logger.Warn("closing upload source", "error", err)
			errs = multierror.Append(errs, err)
		}
	}
	if b.bodyCleanup != nil {
		if err := b.bodyCleanup(); err != nil {
			b.logger.Warn("releasing encoded body", "error", err)
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
