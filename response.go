package apptest

import (
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Response is the normalized result of one application invocation: the
// body sequence, the status line and the response headers. In streaming
// mode the body is lazy and single-pass; Bytes and Text drain it (and
// fire its release hook) on first use and cache the result.
type Response struct {
	Body       BodyIterator
	Status     string
	StatusCode int
	Header     http.Header

	drained bool
	raw     []byte
}

// ResponseWrapper post-processes the final hop's response before it is
// returned to the caller.
type ResponseWrapper func(*Response) *Response

func newResponse(body BodyIterator, status string, header http.Header) *Response {
	code := 0
	if fields := strings.Fields(status); len(fields) > 0 {
		code, _ = strconv.Atoi(fields[0])
	}
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		Body:       body,
		Status:     status,
		StatusCode: code,
		Header:     header,
	}
}

// Bytes drains the body, closes it and returns the accumulated content.
// Subsequent calls return the cached content.
func (r *Response) Bytes() []byte {
	if !r.drained {
		for {
			chunk, ok := r.Body.Next()
			if !ok {
				break
			}
			r.raw = append(r.raw, chunk...)
		}
		_ = r.Close()
		r.drained = true
	}
	return r.raw
}

// Text returns the drained body as a string.
func (r *Response) Text() string {
	return string(r.Bytes())
}

// Close fires the body's release hook when it has one. Safe to call more
// than once.
func (r *Response) Close() error {
	if closer, ok := r.Body.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
