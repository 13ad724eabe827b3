package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"gigchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noiseJPEG(t *testing.T, w, h, quality int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < len(img.Pix); i += 4 {
		v := rng.Uint32()
		img.Pix[i] = byte(v)
		img.Pix[i+1] = byte(v >> 8)
		img.Pix[i+2] = byte(v >> 16)
		img.Pix[i+3] = 0xff
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}))
	return buf.Bytes()
}

func solidPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// hugePNG is a valid 1x1 PNG whose header claims w×h pixels.
func hugePNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	data := solidPNG(t, 1, 1)
	// signature(8) length(4) "IHDR"(4) width(4) height(4) ... crc after 13 data bytes
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func animatedGIF(t *testing.T) []byte {
	t.Helper()
	palette := color.Palette{color.Black, color.White}
	anim := &gif.GIF{LoopCount: 0}
	for i := 0; i < 2; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, 40, 40), palette)
		frame.SetColorIndex(i, i, 1)
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, 10)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, anim))
	return buf.Bytes()
}

// apng splices an acTL chunk after IHDR of a still PNG.
func apng(t *testing.T) []byte {
	t.Helper()
	still := solidPNG(t, 8, 8)
	ihdrEnd := len(pngSignature) + 8 + 13 + 4

	actl := make([]byte, 0, 20)
	actl = binary.BigEndian.AppendUint32(actl, 8)
	actl = append(actl, "acTL"...)
	actl = binary.BigEndian.AppendUint32(actl, 2)
	actl = binary.BigEndian.AppendUint32(actl, 0)
	actl = binary.BigEndian.AppendUint32(actl, 0)

	out := append([]byte{}, still[:ihdrEnd]...)
	out = append(out, actl...)
	return append(out, still[ihdrEnd:]...)
}

func animatedWebP() []byte {
	chunk := []byte("VP8X")
	chunk = binary.LittleEndian.AppendUint32(chunk, 10)
	chunk = append(chunk, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0)

	out := []byte("RIFF")
	out = binary.LittleEndian.AppendUint32(out, uint32(4+len(chunk)))
	out = append(out, "WEBP"...)
	return append(out, chunk...)
}

func TestCompress_LargeImageIsDownscaled(t *testing.T) {
	original := noiseJPEG(t, 4000, 3000, 90)
	p := NewPreprocessor(Options{}, nil)

	out := p.Compress(context.Background(), File{Name: "photo.jpeg", MimeType: "image/jpeg", Data: original})

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.LessOrEqual(t, max(cfg.Width, cfg.Height), 1600)
	assert.Equal(t, 1600, cfg.Width)
	assert.Equal(t, 1200, cfg.Height)
	assert.LessOrEqual(t, len(out.Data), len(original))
	assert.Equal(t, "photo.jpg", out.Name)
	assert.Equal(t, "image/jpeg", out.MimeType)
}

func TestCompress_PassThrough(t *testing.T) {
	gifData := animatedGIF(t)
	apngData := apng(t)
	webpData := animatedWebP()

	tests := []struct {
		name string
		file File
	}{
		{"animated gif", File{Name: "loop.gif", MimeType: "image/gif", Data: gifData}},
		{"apng", File{Name: "loop.png", MimeType: "image/png", Data: apngData}},
		{"animated webp", File{Name: "loop.webp", MimeType: "image/webp", Data: webpData}},
		{"svg", File{Name: "logo.svg", MimeType: "image/svg+xml", Data: []byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`)}},
		{"pdf", File{Name: "brief.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.7 ...")}},
		{"corrupt jpeg", File{Name: "broken.jpg", MimeType: "image/jpeg", Data: []byte("\xff\xd8\xffnot really a jpeg")}},
		{"output would be larger", File{Name: "dot.png", MimeType: "image/png", Data: solidPNG(t, 4, 4)}},
		{"declared dimensions too large", File{Name: "bomb.png", MimeType: "image/png", Data: hugePNG(t, 100000, 100000)}},
	}

	p := NewPreprocessor(Options{}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := p.Compress(context.Background(), tt.file)
			assert.Equal(t, tt.file.Data, out.Data)
			assert.Equal(t, tt.file.Name, out.Name)
			assert.Equal(t, tt.file.MimeType, out.MimeType)
		})
	}
}

func TestRecode_RejectsOversizedHeaderBeforeDecoding(t *testing.T) {
	p := NewPreprocessor(Options{}, nil)
	_, err := p.recode(hugePNG(t, 100000, 100000))
	assert.ErrorIs(t, err, errTooManyPixels)

	_, err = p.recode(hugePNG(t, 1, 1))
	assert.NoError(t, err)
}

func TestIsAnimated(t *testing.T) {
	assert.True(t, IsAnimated("image/gif", animatedGIF(t)))
	assert.True(t, IsAnimated("image/png", apng(t)))
	assert.True(t, IsAnimated("image/webp", animatedWebP()))

	assert.False(t, IsAnimated("image/png", solidPNG(t, 2, 2)))
	assert.False(t, IsAnimated("image/gif", []byte("GIF89a garbage")))
	assert.False(t, IsAnimated("image/jpeg", []byte{0xff, 0xd8, 0xff}))
	assert.False(t, IsAnimated("image/webp", []byte("RIFF\x00\x00\x00\x00WEBP")))
}

func TestProcess_PreservesOrder(t *testing.T) {
	files := []File{
		{Name: "a.pdf", MimeType: "application/pdf", Data: []byte("%PDF-a")},
		{Name: "b.gif", MimeType: "image/gif", Data: animatedGIF(t)},
		{Name: "c.mp3", MimeType: "audio/mpeg", Data: []byte("ID3c")},
		{Name: "d.txt", Data: []byte("notes")},
	}

	out := NewPreprocessor(Options{}, nil).Process(context.Background(), files)
	require.Len(t, out, len(files))
	for i := range files {
		assert.Equal(t, files[i].Name, out[i].Name)
		assert.Equal(t, files[i].Data, out[i].Data)
	}

	assert.Nil(t, NewPreprocessor(Options{}, nil).Process(context.Background(), nil))
}

func TestFitWithin(t *testing.T) {
	w, h := fitWithin(4000, 3000, 1600)
	assert.Equal(t, 1600, w)
	assert.Equal(t, 1200, h)

	w, h = fitWithin(1000, 5000, 1600)
	assert.Equal(t, 320, w)
	assert.Equal(t, 1600, h)

	w, h = fitWithin(800, 600, 1600)
	assert.Equal(t, 800, w)
	assert.Equal(t, 600, h)

	w, h = fitWithin(10000, 1, 1600)
	assert.Equal(t, 1600, w)
	assert.Equal(t, 1, h)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		mime     string
		name     string
		expected models.AttachmentCategory
	}{
		{"image/png", "x.png", models.CategoryImage},
		{"IMAGE/JPEG; charset=binary", "x", models.CategoryImage},
		{"video/mp4", "clip.mp4", models.CategoryVideo},
		{"audio/ogg", "voice.ogg", models.CategoryAudio},
		{"application/pdf", "brief.pdf", models.CategoryGeneric},
		{"", "clip.mov", models.CategoryVideo},
		{"application/octet-stream", "song.mp3", models.CategoryAudio},
		{"", "archive.unknown", models.CategoryGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.mime+"|"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.mime, tt.name))
		})
	}
}

func TestDetectMimeType(t *testing.T) {
	assert.Equal(t, "image/png", DetectMimeType("x.bin", "", solidPNG(t, 1, 1)))
	assert.Equal(t, "image/webp", DetectMimeType("x", "", animatedWebP()))
	assert.Equal(t, "video/mp4", DetectMimeType("clip.MP4", "", []byte("....ftyp")))
	assert.Equal(t, "text/plain", DetectMimeType("a.txt", "text/plain; charset=utf-8", nil))
	assert.Equal(t, "application/octet-stream", DetectMimeType("blob", "", []byte{1, 2, 3}))
}

func TestFile_Attachment(t *testing.T) {
	f := File{Name: "pic.png", Data: solidPNG(t, 2, 2)}
	a := f.Attachment("preview://x", true)
	assert.Equal(t, "pic.png", a.FileName)
	assert.Equal(t, "image/png", a.MimeType)
	assert.Equal(t, f.Size(), a.SizeBytes)
	assert.Equal(t, models.CategoryImage, a.Category)
	assert.True(t, a.Temporary)
}

func TestPreviewRegistry(t *testing.T) {
	r := NewPreviewRegistry()
	url := r.Allocate(File{Name: "a.png"})
	assert.True(t, IsPreviewURL(url))
	assert.Equal(t, 1, r.Len())

	f, ok := r.Get(url)
	require.True(t, ok)
	assert.Equal(t, "a.png", f.Name)

	assert.True(t, r.Release(url))
	assert.False(t, r.Release(url))
	assert.Equal(t, 0, r.Len())
	assert.NotEqual(t, r.Allocate(File{}), r.Allocate(File{}))
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brief.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0600))

	f, err := ReadFile(path, 1024)
	require.NoError(t, err)
	assert.Equal(t, "brief.pdf", f.Name)
	assert.Equal(t, "application/pdf", f.MimeType)

	_, err = ReadFile(path, 3)
	assert.Error(t, err)
	_, err = ReadFile(dir, 0)
	assert.Error(t, err)
	_, err = ReadFile("../secret", 0)
	assert.Error(t, err)
}
