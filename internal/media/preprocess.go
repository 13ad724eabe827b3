package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"gigchat/internal/constants"
	apperrors "gigchat/internal/errors"
	"gigchat/internal/metrics"
	"gigchat/internal/models"
	"gigchat/internal/tracing"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var errTooManyPixels = errors.New("image exceeds decode pixel limit")

// Options controls image compression.
type Options struct {
	MaxDimension int
	Quality      int
}

// Preprocessor turns picked files into upload-ready files. It never fails:
// anything it cannot improve is passed through unchanged.
type Preprocessor struct {
	opts    Options
	logger  *apperrors.Logger
	metrics *metrics.Registry
}

func NewPreprocessor(opts Options, logger *logrus.Logger) *Preprocessor {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = constants.DefaultMaxImageDimension
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = constants.DefaultJPEGQuality
	}
	return &Preprocessor{
		opts:    opts,
		logger:  apperrors.WrapLogger(logger),
		metrics: metrics.GetRegistry(),
	}
}

// NewPreprocessorFromConfig builds a preprocessor from the media config.
func NewPreprocessorFromConfig(cfg models.MediaConfig, logger *logrus.Logger) *Preprocessor {
	return NewPreprocessor(Options{MaxDimension: cfg.MaxDimension, Quality: cfg.JPEGQuality}, logger)
}

// Process prepares all files concurrently and returns them in input order
// once every file has settled.
func (p *Preprocessor) Process(ctx context.Context, files []File) []File {
	if len(files) == 0 {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "media.preprocess", attribute.Int("files", len(files)))
	defer span.End()

	return iter.Map(files, func(f *File) File {
		return p.Compress(ctx, *f)
	})
}

// Compress downsizes a still raster image to fit within MaxDimension and
// re-encodes it as JPEG, keeping the result only when it is not larger.
// Everything else, including SVG and animated images, is returned as is.
func (p *Preprocessor) Compress(ctx context.Context, f File) File {
	mimeType := DetectMimeType(f.Name, f.MimeType, f.Data)
	if !constants.IsCompressibleImage(mimeType) {
		return f
	}
	if IsAnimated(mimeType, f.Data) {
		p.logger.WithField("file", f.Name).Debug("Skipping animated image")
		return f
	}

	out, err := p.recode(f.Data)
	if errors.Is(err, errTooManyPixels) {
		p.logger.WithField("file", f.Name).Debug("Skipping oversized image")
		return f
	}
	if err != nil {
		appErr := apperrors.NewAttachmentError("compress", f.Name, err)
		tracing.RecordError(ctx, appErr)
		p.logger.LogWarn(appErr, "Image compression failed, using original")
		return f
	}

	p.metrics.IncrementCounter(metrics.AttachmentsProcessed, nil, "Attachments passed through the preprocessor")
	if len(out) > len(f.Data) {
		return f
	}
	p.metrics.AddToCounter(metrics.CompressionSavings, float64(len(f.Data)-len(out)), nil, "Bytes saved by image compression")

	return File{
		Name:     jpegName(f.Name),
		MimeType: "image/jpeg",
		Data:     out,
	}
}

func (p *Preprocessor) recode(data []byte) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > constants.MaxDecodePixels {
		return nil, errTooManyPixels
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	bounds := src.Bounds()
	w, h := fitWithin(bounds.Dx(), bounds.Dy(), p.opts.MaxDimension)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}

	// JPEG has no alpha channel, so transparent areas become white
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	stddraw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, stddraw.Src)
	if w == bounds.Dx() && h == bounds.Dy() {
		stddraw.Draw(dst, dst.Bounds(), src, bounds.Min, stddraw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: p.opts.Quality}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// fitWithin scales w×h uniformly so the longer edge is at most limit.
func fitWithin(w, h, limit int) (int, int) {
	longer := max(w, h)
	if longer <= limit {
		return w, h
	}
	nw := max(1, w*limit/longer)
	nh := max(1, h*limit/longer)
	return nw, nh
}

func jpegName(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base = "image"
	}
	return base + ".jpg"
}
