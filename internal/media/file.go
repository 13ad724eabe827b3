// Package media prepares attachments for upload: classification,
// animation detection, image compression and local previews.
package media

import (
	"strings"

	"gigchat/internal/constants"
	"gigchat/internal/models"
)

// File is an attachment as picked by the user, held in memory.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Size returns the byte length of the file contents.
func (f File) Size() int64 {
	return int64(len(f.Data))
}

// Attachment describes f for a message; url is a preview or remote URL.
func (f File) Attachment(url string, temporary bool) models.Attachment {
	mimeType := DetectMimeType(f.Name, f.MimeType, f.Data)
	return models.Attachment{
		FileName:  f.Name,
		MimeType:  mimeType,
		SizeBytes: f.Size(),
		URL:       url,
		Temporary: temporary,
		Category:  Classify(mimeType, f.Name),
	}
}

// DetectMimeType resolves a MIME type from, in order, the declared type,
// the content signature and the file extension.
func DetectMimeType(name, declared string, data []byte) string {
	if declared = normalizeMime(declared); declared != "" && declared != constants.DefaultMimeType {
		return declared
	}
	if sniffed := sniff(data); sniffed != "" {
		return sniffed
	}
	if byExt, ok := constants.MimeByExtension(name); ok {
		return byExt
	}
	return constants.DefaultMimeType
}

// Classify maps a file to exactly one display category, using the MIME
// type first and the extension as a fallback.
func Classify(mimeType, name string) models.AttachmentCategory {
	if c, ok := categoryOf(normalizeMime(mimeType)); ok {
		return c
	}
	if byExt, ok := constants.MimeByExtension(name); ok {
		if c, ok := categoryOf(byExt); ok {
			return c
		}
	}
	return models.CategoryGeneric
}

func categoryOf(mimeType string) (models.AttachmentCategory, bool) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.CategoryImage, true
	case strings.HasPrefix(mimeType, "video/"):
		return models.CategoryVideo, true
	case strings.HasPrefix(mimeType, "audio/"):
		return models.CategoryAudio, true
	case mimeType == "" || mimeType == constants.DefaultMimeType:
		return "", false
	default:
		return models.CategoryGeneric, true
	}
}

func normalizeMime(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

func sniff(data []byte) string {
	head := data
	if len(head) > constants.MimeDetectionBufferSize {
		head = head[:constants.MimeDetectionBufferSize]
	}
	if mimeType := constants.SniffMime(head); mimeType != "" {
		return mimeType
	}
	if isWebP(head) {
		return "image/webp"
	}
	return ""
}
