package apptest

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
)

// defaultSpillThreshold is the number of body bytes buffered in memory
// before the encoder switches to a temporary file.
const defaultSpillThreshold = 500 * 1024

// fileChunkSize is the fixed read size used to drain file-like upload
// sources, bounding peak memory independent of the payload size.
const fileChunkSize = 16 * 1024

// multipartArtifact is the output of one encodeMultipart call: a rewound
// byte stream, its exact length and the boundary token used. cleanup
// releases the backing temporary file, if any, and must be called once
// the stream is no longer needed.
type multipartArtifact struct {
	stream   io.ReadSeeker
	length   int64
	boundary string
	cleanup  func() error
}

// spillBuffer accumulates encoder output in memory until one more write
// would cross the threshold, then copies what it has to a temporary file
// and keeps writing there. The transition is one-way for the lifetime of
// the buffer.
type spillBuffer struct {
	threshold int64
	mem       bytes.Buffer
	file      *os.File
	n         int64
	spilled   bool
}

func newSpillBuffer(threshold int64) *spillBuffer {
	if threshold <= 0 {
		threshold = defaultSpillThreshold
	}
	return &spillBuffer{threshold: threshold}
}

func (b *spillBuffer) Write(p []byte) (int, error) {
	if !b.spilled && b.n+int64(len(p)) > b.threshold {
		file, err := os.CreateTemp("", "apptest-multipart-*")
		if err != nil {
			return 0, fmt.Errorf("creating spill file: %w", err)
		}
		if _, err := file.Write(b.mem.Bytes()); err != nil {
			_ = file.Close()
			_ = os.Remove(file.Name())
			return 0, fmt.Errorf("spilling buffered body: %w", err)
		}
		b.mem.Reset()
		b.file = file
		b.spilled = true
	}
	var (
		n   int
		err error
	)
	if b.spilled {
		n, err = b.file.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.n += int64(n)
	return n, err
}

// finish rewinds the accumulated body and returns it together with a
// release function for the spill file, or nil when none was created.
func (b *spillBuffer) finish() (io.ReadSeeker, func() error, error) {
	if !b.spilled {
		return bytes.NewReader(b.mem.Bytes()), nil, nil
	}
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("rewinding spill file: %w", err)
	}
	file := b.file
	cleanup := func() error {
		err := file.Close()
		if rmErr := os.Remove(file.Name()); err == nil {
			err = rmErr
		}
		return err
	}
	return file, cleanup, nil
}

// discard drops the spill file of a partially written buffer.
func (b *spillBuffer) discard() {
	if b.spilled {
		_ = b.file.Close()
		_ = os.Remove(b.file.Name())
	}
}

// generateBoundary produces a boundary token unlikely to collide with
// body content, from the current time and a random component.
func generateBoundary() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("AppTestFormPart%d%s", time.Now().UnixNano(), random[:12])
}

// uploadContentType resolves the Content-Type line for a file part:
// the declared type, then a guess from the filename extension, then
// application/octet-stream.
func uploadContentType(upload *FileUpload) string {
	if upload.ContentType != "" {
		return upload.ContentType
	}
	if upload.Filename != "" {
		if guessed := mime.TypeByExtension(filepath.Ext(upload.Filename)); guessed != "" {
			return guessed
		}
	}
	return "application/octet-stream"
}

// encodeMultipart encodes the given fields and files into a multipart
// body. Field values are converted with enc before being written. The
// returned artifact's stream is positioned at the start and its length
// is the exact byte length of the encoded body.
func encodeMultipart(form *FormValues, files []*FileUpload, threshold int64,
	boundary string, enc encoding.Encoding) (*multipartArtifact, error) {
	if boundary == "" {
		boundary = generateBoundary()
	}

	buf := newSpillBuffer(threshold)
	writer := multipart.NewWriter(buf)
	if err := writer.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}

	fail := func(err error) (*multipartArtifact, error) {
		buf.discard()
		return nil, err
	}

	if form != nil {
		for _, key := range form.Keys() {
			for _, value := range form.Values(key) {
				part, err := writer.CreateFormField(key)
				if err != nil {
					return fail(fmt.Errorf("creating field part %q: %w", key, err))
				}
				encoded, err := encodeText(enc, value)
				if err != nil {
					return fail(err)
				}
				if _, err := io.WriteString(part, encoded); err != nil {
					return fail(fmt.Errorf("writing field %q: %w", key, err))
				}
			}
		}
	}

	chunk := make([]byte, fileChunkSize)
	for _, upload := range files {
		header := make(textproto.MIMEHeader)
		if upload.Filename != "" {
			header.Set("Content-Disposition", fmt.Sprintf(
				`form-data; name="%s"; filename="%s"`, upload.FieldName, upload.Filename))
		} else {
			header.Set("Content-Disposition", fmt.Sprintf(
				`form-data; name="%s"`, upload.FieldName))
		}
		header.Set("Content-Type", uploadContentType(upload))
		part, err := writer.CreatePart(header)
		if err != nil {
			return fail(fmt.Errorf("creating file part %q: %w", upload.FieldName, err))
		}
		if upload.Source == nil {
			continue
		}
		// struct wrapper hides a potential WriteTo so the fixed-size
		// chunk buffer is actually used.
		if _, err := io.CopyBuffer(part, struct{ io.Reader }{upload.Source}, chunk); err != nil {
			return fail(fmt.Errorf("draining upload %q: %w", upload.FieldName, err))
		}
	}

	if err := writer.Close(); err != nil {
		return fail(fmt.Errorf("finishing multipart body: %w", err))
	}

	stream, cleanup, err := buf.finish()
	if err != nil {
		return fail(err)
	}
	return &multipartArtifact{
		stream:   stream,
		length:   buf.n,
		boundary: boundary,
		cleanup:  cleanup,
	}, nil
}
