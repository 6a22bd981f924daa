// Package imageio converts decoded image tensors to Go images and writes
// them to disk.
package imageio

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/samcharles93/redilate/internal/tensor"
)

const jpegQuality = 95

// ToImages converts [n, 3, h, w] values in [0, 1] to RGBA images.
func ToImages(t *tensor.Tensor) ([]*image.RGBA, error) {
	n, c, h, w, err := t.NCHW()
	if err != nil {
		return nil, err
	}
	if c != 3 {
		return nil, tensor.Errorf("expected 3 channels (RGB), got %d", c)
	}
	plane := h * w
	out := make([]*image.RGBA, n)
	for b := range n {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		src := t.Data[b*3*plane : (b+1)*3*plane]
		for i := range plane {
			img.Pix[i*4+0] = toByte(src[i])
			img.Pix[i*4+1] = toByte(src[plane+i])
			img.Pix[i*4+2] = toByte(src[2*plane+i])
			img.Pix[i*4+3] = 255
		}
		out[b] = img
	}
	return out, nil
}

func toByte(v float32) uint8 {
	v = v*255 + 0.5
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Ext returns the file extension for format, including the dot.
func Ext(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "tiff":
		return ".tif"
	default:
		return "." + format
	}
}

// Encode writes img to w as png, jpeg, bmp or tiff.
func Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case "png":
		return png.Encode(w, img)
	case "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: jpegQuality})
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported image format %q", format)
	}
}

// WriteFile encodes img to path. The file is written to a temporary name
// first and renamed, so readers never see a partial image.
func WriteFile(path string, img image.Image, format string) error {
	var buf bytes.Buffer
	if err := Encode(&buf, img, format); err != nil {
		return err
	}
	return writeAtomic(path, buf.Bytes())
}

// WritePrompt stores the prompt next to an image.
func WritePrompt(path, prompt string) error {
	return writeAtomic(path, []byte(prompt))
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// EncodeBase64PNG returns img as a base64-encoded PNG.
func EncodeBase64PNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
