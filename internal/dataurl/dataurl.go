// Package dataurl turns raw image bytes into base64 data URIs that can be
// embedded directly in a chat-completion request.
package dataurl

import (
	"encoding/base64"
	"path/filepath"
	"strings"
)

const (
	MIMEOctetStream = "application/octet-stream"

	// DefaultExt is assumed for uploads that arrive without a usable filename.
	DefaultExt = ".png"
)

var mimeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// MIMEType infers the MIME type from the filename extension only.
func MIMEType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if mime, ok := mimeByExt[ext]; ok {
		return mime
	}
	return MIMEOctetStream
}

func Encode(data []byte, filename string) string {
	return FromBytes(data, MIMEType(filename))
}

func FromBytes(data []byte, mime string) string {
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(mime) + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(mime)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

// ExtOrDefault returns the extension of filename including the dot, or
// DefaultExt when there is none. A leading dot alone (".env") is not an
// extension.
func ExtOrDefault(filename string) string {
	base := filepath.Base(filename)
	idx := strings.LastIndex(base, ".")
	if idx <= 0 || idx == len(base)-1 {
		return DefaultExt
	}
	return base[idx:]
}
