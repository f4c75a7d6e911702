// Package imageconv turns raw camera frames into standard images and JPEG.
package imageconv

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/DeBrosOfficial/roverlink/pkg/message"
)

// Supported raw encodings.
const (
	EncodingBGR8  = "bgr8"
	EncodingRGB8  = "rgb8"
	EncodingMono8 = "mono8"
)

// DefaultQuality is used when a quality outside 1..100 is requested.
const DefaultQuality = 75

func bytesPerPixel(encoding string) (int, error) {
	switch encoding {
	case EncodingBGR8, EncodingRGB8:
		return 3, nil
	case EncodingMono8:
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported image encoding %q", encoding)
	}
}

// ToImage converts a raw frame into an image.Image. Rows are read using
// msg.Step, which may be larger than width times pixel size.
func ToImage(msg *message.Image) (image.Image, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil image")
	}
	bpp, err := bytesPerPixel(msg.Encoding)
	if err != nil {
		return nil, err
	}
	w, h := int(msg.Width), int(msg.Height)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image %dx%d", w, h)
	}
	step := int(msg.Step)
	if step == 0 {
		step = w * bpp
	}
	if step < w*bpp {
		return nil, fmt.Errorf("row step %d shorter than %d bytes", step, w*bpp)
	}
	if need := step*(h-1) + w*bpp; len(msg.Data) < need {
		return nil, fmt.Errorf("image data too short: have %d bytes, need %d", len(msg.Data), need)
	}

	rect := image.Rect(0, 0, w, h)
	if msg.Encoding == EncodingMono8 {
		img := image.NewGray(rect)
		for y := 0; y < h; y++ {
			copy(img.Pix[y*img.Stride:y*img.Stride+w], msg.Data[y*step:y*step+w])
		}
		return img, nil
	}

	img := image.NewRGBA(rect)
	for y := 0; y < h; y++ {
		row := msg.Data[y*step:]
		for x := 0; x < w; x++ {
			p := row[x*3 : x*3+3]
			c := color.RGBA{R: p[0], G: p[1], B: p[2], A: 0xff}
			if msg.Encoding == EncodingBGR8 {
				c.R, c.B = p[2], p[0]
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ToBase64JPEG converts a raw frame to a base64 encoded JPEG.
func ToBase64JPEG(msg *message.Image, quality int) (string, error) {
	img, err := ToImage(msg)
	if err != nil {
		return "", err
	}
	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
