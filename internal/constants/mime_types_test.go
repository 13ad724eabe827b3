package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMimeByExtension(t *testing.T) {
	m, ok := MimeByExtension("Portfolio.JPEG")
	assert.True(t, ok)
	assert.Equal(t, "image/jpeg", m)

	_, ok = MimeByExtension("README")
	assert.False(t, ok)
	_, ok = MimeByExtension("archive.rar")
	assert.False(t, ok)
}

func TestExtensionForMime(t *testing.T) {
	assert.Equal(t, ".jpg", ExtensionForMime("image/jpeg"))
	assert.Equal(t, ".pdf", ExtensionForMime("application/pdf"))
	assert.Empty(t, ExtensionForMime("application/x-unknown"))
}

func TestSniffMime(t *testing.T) {
	assert.Equal(t, "image/png", SniffMime([]byte("\x89PNG\r\n\x1a\n....")))
	assert.Equal(t, "image/gif", SniffMime([]byte("GIF89a")))
	assert.Equal(t, "application/pdf", SniffMime([]byte("%PDF-1.7")))
	assert.Empty(t, SniffMime([]byte("hello")))
	assert.Empty(t, SniffMime(nil))
}

func TestIsCompressibleImage(t *testing.T) {
	assert.True(t, IsCompressibleImage("image/png"))
	assert.False(t, IsCompressibleImage("image/svg+xml"))
	assert.False(t, IsCompressibleImage("video/mp4"))
}
