package constants

import (
	"bytes"
	"path/filepath"
	"strings"
)

const DefaultMimeType = "application/octet-stream"

type fileFormat struct {
	mime         string
	extensions   []string // first entry is the canonical one
	signatures   []string
	compressible bool
}

var fileFormats = []fileFormat{
	{mime: "image/jpeg", extensions: []string{".jpg", ".jpeg", ".jfif"}, signatures: []string{"\xff\xd8\xff"}, compressible: true},
	{mime: "image/png", extensions: []string{".png"}, signatures: []string{"\x89PNG\r\n\x1a\n"}, compressible: true},
	{mime: "image/gif", extensions: []string{".gif"}, signatures: []string{"GIF87a", "GIF89a"}, compressible: true},
	{mime: "image/webp", extensions: []string{".webp"}, compressible: true},
	{mime: "image/svg+xml", extensions: []string{".svg"}},
	{mime: "video/mp4", extensions: []string{".mp4"}},
	{mime: "video/quicktime", extensions: []string{".mov"}},
	{mime: "video/x-msvideo", extensions: []string{".avi"}},
	{mime: "video/webm", extensions: []string{".webm"}},
	{mime: "application/pdf", extensions: []string{".pdf"}, signatures: []string{"%PDF"}},
	{mime: "application/msword", extensions: []string{".doc"}},
	{mime: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", extensions: []string{".docx"}},
	{mime: "application/zip", extensions: []string{".zip"}},
	{mime: "text/plain", extensions: []string{".txt"}},
	{mime: "audio/ogg", extensions: []string{".ogg"}, signatures: []string{"OggS"}},
	{mime: "audio/mpeg", extensions: []string{".mp3"}, signatures: []string{"ID3"}},
	{mime: "audio/wav", extensions: []string{".wav"}},
	{mime: "audio/aac", extensions: []string{".aac"}},
	{mime: "audio/mp4", extensions: []string{".m4a"}},
}

// MimeByExtension looks up the MIME type for name's extension.
func MimeByExtension(name string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "", false
	}
	for _, f := range fileFormats {
		for _, e := range f.extensions {
			if e == ext {
				return f.mime, true
			}
		}
	}
	return "", false
}

// ExtensionForMime returns the canonical extension, or "" when unknown.
func ExtensionForMime(mimeType string) string {
	for _, f := range fileFormats {
		if f.mime == mimeType {
			return f.extensions[0]
		}
	}
	return ""
}

// SniffMime matches the leading bytes against known magic numbers.
func SniffMime(head []byte) string {
	for _, f := range fileFormats {
		for _, sig := range f.signatures {
			if bytes.HasPrefix(head, []byte(sig)) {
				return f.mime
			}
		}
	}
	return ""
}

// IsCompressibleImage reports whether the preprocessor may re-encode the type.
func IsCompressibleImage(mimeType string) bool {
	for _, f := range fileFormats {
		if f.mime == mimeType {
			return f.compressible
		}
	}
	return false
}
