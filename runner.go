package apptest

import (
	"fmt"
	"io"
	"net/http"
)

// BodyIterator is the byte-chunk sequence produced by an Application.
// Next returns the next chunk, or ok == false once the sequence is
// exhausted. An iterator that also implements io.Closer has its release
// hook invoked by the runner per the buffering mode.
type BodyIterator interface {
	Next() (chunk []byte, ok bool)
}

// WriteFunc is the legacy push-style body callback handed back by
// StartResponse.
type WriteFunc func(p []byte)

// StartResponse is the callback an Application must invoke exactly once
// before (or while) producing its body. A non-nil errInfo aborts the run
// with that error.
type StartResponse func(status string, header http.Header, errInfo error) WriteFunc

// Application is the synchronous request handler under test. It receives
// the execution environment and a start-response callback and returns
// the response body sequence.
type Application func(env Environ, start StartResponse) BodyIterator

// sliceIterator iterates over a fixed chunk list.
type sliceIterator struct {
	chunks [][]byte
	i      int
}

func (it *sliceIterator) Next() ([]byte, bool) {
	if it.i >= len(it.chunks) {
		return nil, false
	}
	chunk := it.chunks[it.i]
	it.i++
	return chunk, true
}

// Chunks returns a BodyIterator over the given byte slices. It is a
// convenience for writing applications in tests.
func Chunks(chunks ...[]byte) BodyIterator {
	return &sliceIterator{chunks: chunks}
}

// BodyFunc adapts a pull function to a BodyIterator.
type BodyFunc func() ([]byte, bool)

func (f BodyFunc) Next() ([]byte, bool) { return f() }

// closingIterator replays an already-buffered prefix, continues with the
// remaining application sequence and guarantees the release hook fires
// exactly once, on exhaustion or on an explicit early Close.
type closingIterator struct {
	prefix  *[][]byte
	i       int
	tail    BodyIterator
	closeFn func() error
	closed  bool
}

func (it *closingIterator) Next() ([]byte, bool) {
	if it.closed {
		return nil, false
	}
	if it.i < len(*it.prefix) {
		chunk := (*it.prefix)[it.i]
		it.i++
		return chunk, true
	}
	chunk, ok := it.tail.Next()
	if !ok {
		_ = it.Close()
		return nil, false
	}
	return chunk, true
}

// Close invokes the application's release hook, once. Subsequent calls
// are no-ops.
func (it *closingIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.closeFn != nil {
		return it.closeFn()
	}
	return nil
}

// runApplication invokes app with env and normalizes its output into a
// Response.
//
// In buffered mode the body sequence is drained eagerly and the release
// hook, when present, fires before this function returns. In streaming
// mode the sequence is pulled only until start-response has been invoked
// (buffering chunks emitted early, whether pulled or pushed through the
// write callback) and the returned body replays that prefix lazily
// before continuing with the rest.
//
// An application whose sequence ends without start-response ever being
// called is a protocol violation reported as ErrProtocol.
func runApplication(app Application, env Environ, buffered bool) (*Response, error) {
	var (
		started  bool
		status   string
		header   http.Header
		startErr error
		buffer   [][]byte
	)
	start := func(st string, h http.Header, errInfo error) WriteFunc {
		if errInfo != nil {
			if startErr == nil {
				startErr = errInfo
			}
			return func([]byte) {}
		}
		started = true
		status = st
		header = h
		return func(p []byte) {
			buffer = append(buffer, append([]byte(nil), p...))
		}
	}

	iterator := app(env, start)
	closeFn := func() error { return nil }
	if closer, ok := iterator.(io.Closer); ok {
		closeFn = closer.Close
	}

	if buffered {
		for {
			if startErr != nil {
				break
			}
			chunk, ok := iterator.Next()
			if !ok {
				break
			}
			buffer = append(buffer, append([]byte(nil), chunk...))
		}
		// The release hook fires before the caller sees the result.
		closeErr := closeFn()
		if startErr != nil {
			return nil, startErr
		}
		if !started {
			return nil, fmt.Errorf("%w: body finished without start-response", ErrProtocol)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("closing application body: %w", closeErr)
		}
		return newResponse(&sliceIterator{chunks: buffer}, status, header), nil
	}

	for !started {
		if startErr != nil {
			_ = closeFn()
			return nil, startErr
		}
		chunk, ok := iterator.Next()
		if !ok {
			if startErr != nil {
				_ = closeFn()
				return nil, startErr
			}
			_ = closeFn()
			return nil, fmt.Errorf("%w: body finished without start-response", ErrProtocol)
		}
		buffer = append(buffer, append([]byte(nil), chunk...))
	}
	if startErr != nil {
		_ = closeFn()
		return nil, startErr
	}
	body := &closingIterator{prefix: &buffer, tail: iterator, closeFn: closeFn}
	return newResponse(body, status, header), nil
}
