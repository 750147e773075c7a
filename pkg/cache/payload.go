package cache

import (
	"mime"
	"strings"
)

const (
	jsonContentType = "application/json"
	textContentType = "text/plain; charset=utf-8"
	htmlContentType = "text/html; charset=utf-8"
)

// Blob is a binary payload together with its content type; Type may be empty.
type Blob struct {
	Type string
	Data []byte
}

// File is a named blob. Files read back from a cache are named after their cache key.
type File struct {
	Name string
	Type string
	Data []byte
}

// mediaType returns the lower-cased media type of a content type without its parameters.
func mediaType(contentType string) string {
	parsed, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return parsed
}

// isMediaType reports whether `contentType` carries the media type `want` (parameters are ignored).
func isMediaType(contentType, want string) bool {
	got := mediaType(contentType)
	return got != "" && got == mediaType(want)
}

// isText reports whether `contentType` is any text/* media type.
func isText(contentType string) bool {
	return strings.HasPrefix(mediaType(contentType), "text/")
}
