// Package dataurl encodes file contents as base64 data URLs and parses them back.
package dataurl

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	scheme       = "data:"
	base64Marker = ";base64"

	// DefaultMediaType is used when nothing better is known about the content.
	DefaultMediaType = "application/octet-stream"
)

var (
	ErrMissingScheme  = errors.New("dataurl: missing data: scheme")
	ErrMissingPayload = errors.New("dataurl: missing ',' before payload")
	ErrNotBase64      = errors.New("dataurl: payload is not base64 encoded")
	ErrPayloadLength  = errors.New("dataurl: base64 payload length is not a multiple of 4")
)

// DataURL is a decoded data URL.
type DataURL struct {
	MediaType string
	Data      []byte
}

// Encode returns data as "data:<mediaType>;base64,<payload>".
func Encode(mediaType string, data []byte) string {
	if mediaType == "" {
		mediaType = DefaultMediaType
	}
	var b strings.Builder
	b.Grow(len(scheme) + len(mediaType) + len(base64Marker) + 1 + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString(scheme)
	b.WriteString(mediaType)
	b.WriteString(base64Marker)
	b.WriteByte(',')
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

// Parse decodes a base64 data URL.
func Parse(s string) (*DataURL, error) {
	if !strings.HasPrefix(s, scheme) {
		return nil, ErrMissingScheme
	}
	header, payload, ok := strings.Cut(s[len(scheme):], ",")
	if !ok {
		return nil, ErrMissingPayload
	}
	mediaType, found := strings.CutSuffix(header, base64Marker)
	if !found {
		return nil, ErrNotBase64
	}
	if len(payload)%4 != 0 {
		return nil, ErrPayloadLength
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("dataurl: decode payload: %w", err)
	}
	if mediaType == "" {
		mediaType = "text/plain;charset=US-ASCII"
	}
	return &DataURL{MediaType: mediaType, Data: data}, nil
}

// DetectMediaType returns declared unless it is empty or the generic
// octet-stream type, in which case the type is sniffed from data. Parameters
// such as charset are dropped.
func DetectMediaType(declared string, data []byte) string {
	declared = baseType(declared)
	if declared != "" && declared != DefaultMediaType {
		return declared
	}
	if len(data) == 0 {
		return DefaultMediaType
	}
	return baseType(mimetype.Detect(data).String())
}

func baseType(mediaType string) string {
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}
