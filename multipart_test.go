package apptest

import (
	"bytes"
	"io"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/text/encoding/charmap"
)

func TestEncodeMultipartRoundTrip(t *testing.T) {
	form := NewFormValues()
	form.Add("name", "alice")
	form.Add("name", "bob")
	form.Add("note", "hello world")
	files := []*FileUpload{
		{FieldName: "avatar", Filename: "avatar.png", Source: strings.NewReader("pngdata")},
		{FieldName: "doc", Filename: "report.bin", ContentType: "application/x-report", Source: strings.NewReader("report-bytes")},
	}

	artifact, err := encodeMultipart(form, files, 0, "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, artifact.boundary)

	raw, err := io.ReadAll(artifact.stream)
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), artifact.length, "declared length must equal actual byte count")

	reader := multipart.NewReader(bytes.NewReader(raw), artifact.boundary)
	type parsedPart struct {
		name, filename, contentType, content string
	}
	var parts []parsedPart
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(part)
		require.NoError(t, err)
		parts = append(parts, parsedPart{
			name:        part.FormName(),
			filename:    part.FileName(),
			contentType: part.Header.Get("Content-Type"),
			content:     string(content),
		})
	}

	require.Len(t, parts, 5, "3 fields and 2 files must yield 5 parts")
	assert.Equal(t, parsedPart{name: "name", content: "alice"}, parts[0])
	assert.Equal(t, parsedPart{name: "name", content: "bob"}, parts[1])
	assert.Equal(t, parsedPart{name: "note", content: "hello world"}, parts[2])
	assert.Equal(t, "avatar", parts[3].name)
	assert.Equal(t, "avatar.png", parts[3].filename)
	assert.Equal(t, "image/png", parts[3].contentType)
	assert.Equal(t, "pngdata", parts[3].content)
	assert.Equal(t, "doc", parts[4].name)
	assert.Equal(t, "application/x-report", parts[4].contentType)
	assert.Equal(t, "report-bytes", parts[4].content)
}

func TestEncodeMultipartDefaultBoundaryIsUnique(t *testing.T) {
	form := NewFormValues()
	form.Add("a", "1")

	first, err := encodeMultipart(form, nil, 0, "", nil)
	require.NoError(t, err)
	second, err := encodeMultipart(form, nil, 0, "", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.boundary, second.boundary)
}

func TestEncodeMultipartExplicitBoundary(t *testing.T) {
	form := NewFormValues()
	form.Add("a", "1")

	artifact, err := encodeMultipart(form, nil, 0, "fixed-boundary-token", nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed-boundary-token", artifact.boundary)

	raw, err := io.ReadAll(artifact.stream)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "--fixed-boundary-token--")
}

func TestEncodeMultipartCharset(t *testing.T) {
	form := NewFormValues()
	form.Add("city", "montréal")

	artifact, err := encodeMultipart(form, nil, 0, "b", charmap.ISO8859_1)
	require.NoError(t, err)
	raw, err := io.ReadAll(artifact.stream)
	require.NoError(t, err)

	assert.Contains(t, string(raw), "montr\xe9al", "value must be latin-1 encoded")
	assert.Equal(t, int64(len(raw)), artifact.length)
}

func TestSpillBufferStaysInMemoryUnderThreshold(t *testing.T) {
	buf := newSpillBuffer(100)

	n, err := buf.Write(bytes.Repeat([]byte("x"), 99))
	require.NoError(t, err)
	assert.Equal(t, 99, n)
	assert.False(t, buf.spilled, "one byte under the threshold must stay memory-backed")

	_, err = buf.Write([]byte("y"))
	require.NoError(t, err)
	assert.False(t, buf.spilled, "exactly at the threshold must stay memory-backed")

	_, err = buf.Write([]byte("z"))
	require.NoError(t, err)
	assert.True(t, buf.spilled, "one byte over the threshold must switch to disk")
	require.NotNil(t, buf.file)

	stream, cleanup, err := buf.finish()
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	content, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 99)+"yz", string(content))
	assert.Equal(t, int64(101), buf.n)
	require.NoError(t, cleanup())
}

func TestSpillBufferNeverRevertsToMemory(t *testing.T) {
	buf := newSpillBuffer(10)
	_, err := buf.Write(bytes.Repeat([]byte("a"), 11))
	require.NoError(t, err)
	require.True(t, buf.spilled)

	_, err = buf.Write([]byte("b"))
	require.NoError(t, err)
	assert.True(t, buf.spilled)
	assert.Zero(t, buf.mem.Len(), "memory buffer stays empty after the spill")

	stream, cleanup, err := buf.finish()
	require.NoError(t, err)
	content, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 11)+"b", string(content))
	require.NoError(t, cleanup())
}

func TestEncodeMultipartSpillsLargeBodies(t *testing.T) {
	files := []*FileUpload{{
		FieldName: "blob",
		Filename:  "blob.bin",
		Source:    bytes.NewReader(bytes.Repeat([]byte("p"), 64*1024)),
	}}

	artifact, err := encodeMultipart(nil, files, 1024, "", nil)
	require.NoError(t, err)
	require.NotNil(t, artifact.cleanup, "a body past the threshold must be disk-backed")
	defer func() { require.NoError(t, artifact.cleanup()) }()

	raw, err := io.ReadAll(artifact.stream)
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), artifact.length)

	reader := multipart.NewReader(bytes.NewReader(raw), artifact.boundary)
	part, err := reader.NextPart()
	require.NoError(t, err)
	content, err := io.ReadAll(part)
	require.NoError(t, err)
	assert.Len(t, content, 64*1024)
}

func TestUploadContentTypeResolution(t *testing.T) {
	tests := []struct {
		name   string
		upload *FileUpload
		want   string
	}{
		{"declared type wins", &FileUpload{Filename: "a.png", ContentType: "application/custom"}, "application/custom"},
		{"guessed from extension", &FileUpload{Filename: "a.png"}, "image/png"},
		{"unknown extension falls back", &FileUpload{Filename: "a.unknownext"}, "application/octet-stream"},
		{"no filename falls back", &FileUpload{}, "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, uploadContentType(tt.upload))
		})
	}
}
