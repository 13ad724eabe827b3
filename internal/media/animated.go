package media

import (
	"bytes"
	"encoding/binary"
	"image/gif"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// IsAnimated reports whether data holds a multi-frame GIF, an APNG or an
// animated WebP. Unknown or malformed data is treated as not animated.
func IsAnimated(mimeType string, data []byte) bool {
	switch normalizeMime(mimeType) {
	case "image/gif":
		return gifFrames(data) > 1
	case "image/png", "image/apng":
		return isAPNG(data)
	case "image/webp":
		return isAnimatedWebP(data)
	}
	return false
}

func gifFrames(data []byte) int {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	return len(g.Image)
}

// isAPNG looks for an acTL chunk ahead of the first IDAT.
func isAPNG(data []byte) bool {
	if !bytes.HasPrefix(data, pngSignature) {
		return false
	}
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		chunkType := string(data[pos+4 : pos+8])
		switch chunkType {
		case "acTL":
			return true
		case "IDAT", "IEND":
			return false
		}
		// length + type + data + crc
		next := pos + 12 + length
		if length < 0 || next <= pos {
			return false
		}
		pos = next
	}
	return false
}

func isWebP(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP"
}

// isAnimatedWebP checks the VP8X animation flag or an ANIM chunk.
func isAnimatedWebP(data []byte) bool {
	if !isWebP(data) {
		return false
	}
	pos := 12
	for pos+8 <= len(data) {
		chunkType := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		switch chunkType {
		case "VP8X":
			if pos+9 <= len(data) && data[pos+8]&0x02 != 0 {
				return true
			}
		case "ANIM", "ANMF":
			return true
		}
		// chunks are padded to even sizes
		next := pos + 8 + size + size%2
		if size < 0 || next <= pos {
			return false
		}
		pos = next
	}
	return false
}
