package apptest

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// FormValues is an ordered multimap of form fields. Keys keep their
// insertion order and every key keeps the order its values were added in,
// unlike url.Values whose key iteration order is randomized.
type FormValues struct {
	keys   []string
	values map[string][]string
}

// NewFormValues returns an empty FormValues.
func NewFormValues() *FormValues {
	return &FormValues{values: make(map[string][]string)}
}

// Add appends value to the values stored under key.
func (f *FormValues) Add(key, value string) {
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = append(f.values[key], value)
}

// Set replaces all values stored under key with value.
func (f *FormValues) Set(key, value string) {
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = []string{value}
}

// Get returns the first value stored under key, or "".
func (f *FormValues) Get(key string) string {
	if vs := f.values[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Values returns all values stored under key in insertion order.
func (f *FormValues) Values(key string) []string {
	return f.values[key]
}

// Keys returns the field names in insertion order.
func (f *FormValues) Keys() []string {
	return f.keys
}

// Len returns the total number of key/value pairs.
func (f *FormValues) Len() int {
	n := 0
	for _, vs := range f.values {
		n += len(vs)
	}
	return n
}

// Encode url-encodes the fields into an ASCII string, preserving key
// insertion order and per-key value order. Keys and values are first
// converted with enc when it is non-nil.
func (f *FormValues) Encode(enc encoding.Encoding) (string, error) {
	var sb strings.Builder
	for _, key := range f.keys {
		ek, err := encodeText(enc, key)
		if err != nil {
			return "", err
		}
		for _, value := range f.values[key] {
			ev, err := encodeText(enc, value)
			if err != nil {
				return "", err
			}
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(ek))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(ev))
		}
	}
	return sb.String(), nil
}

// FileUpload describes one file-like part of a multipart body. Source may
// be unbounded; it is drained in fixed-size chunks by the encoder. When
// Source implements io.Closer it is owned, and closed, by the builder it
// was handed to.
type FileUpload struct {
	FieldName   string
	Filename    string
	ContentType string
	Source      io.Reader
}

// lookupCharset resolves a charset name to a text encoding. UTF-8 and the
// empty name resolve to nil, meaning no conversion.
func lookupCharset(name string) (encoding.Encoding, error) {
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown charset %q", ErrInvalidConfig, name)
	}
	return enc, nil
}

// encodeText converts s with enc, or returns it unchanged when enc is nil.
func encodeText(enc encoding.Encoding, s string) (string, error) {
	if enc == nil {
		return s, nil
	}
	out, err := enc.NewEncoder().String(s)
	if err != nil {
		return "", fmt.Errorf("encoding %q: %w", s, err)
	}
	return out, nil
}
