// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blockcodec

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png" // b3dm payloads may embed PNG textures

	"github.com/bureau-foundation/meshstore/lib/binio"
)

// TextureHeaderSize is the size of the width, height, channel count
// and format int32 header that precedes every texture payload.
const TextureHeaderSize = 16

// TextureFormat tags the pixel payload behind a texture header.
type TextureFormat int32

const (
	// TextureRaw is interleaved 8-bit pixels, row-major, top row first.
	TextureRaw TextureFormat = 0
	// TextureJPEG is a JPEG stream.
	TextureJPEG TextureFormat = 1
)

// TextureHeader describes a texture.
type TextureHeader struct {
	Width    int32
	Height   int32
	Channels int32
	Format   TextureFormat
}

// PixelBytes returns the size of the raw pixel payload.
func (h TextureHeader) PixelBytes() int {
	return int(h.Width) * int(h.Height) * int(h.Channels)
}

// Bytes returns the 16-byte encoded header.
func (h TextureHeader) Bytes() []byte {
	w := binio.NewWriter(TextureHeaderSize)
	h.append(w)
	return w.Bytes()
}

func (h TextureHeader) append(w *binio.Writer) {
	w.Int32(h.Width)
	w.Int32(h.Height)
	w.Int32(h.Channels)
	w.Int32(int32(h.Format))
}

// ParseTextureHeader reads the header of a texture payload.
func ParseTextureHeader(data []byte) (TextureHeader, error) {
	r := binio.NewReader(data)
	header := TextureHeader{
		Width:    r.Int32(),
		Height:   r.Int32(),
		Channels: r.Int32(),
		Format:   TextureFormat(r.Int32()),
	}
	if err := r.Err(); err != nil {
		return TextureHeader{}, fmt.Errorf("blockcodec: texture header: %w", err)
	}
	if header.Width <= 0 || header.Height <= 0 {
		return TextureHeader{}, fmt.Errorf("blockcodec: texture is %dx%d", header.Width, header.Height)
	}
	switch header.Channels {
	case 1, 3, 4:
	default:
		return TextureHeader{}, fmt.Errorf("blockcodec: texture has %d channels, want 1, 3 or 4", header.Channels)
	}
	return header, nil
}

// DefaultTextureQuality is the JPEG quality used when none is set.
const DefaultTextureQuality = 90

// EncodeTexture converts header + raw pixels into header + JPEG. The
// header is kept as given so a round trip reproduces it. JPEG has no
// alpha; four-channel textures lose their alpha plane.
func EncodeTexture(raw []byte, quality int) ([]byte, error) {
	header, err := ParseTextureHeader(raw)
	if err != nil {
		return nil, err
	}
	pixels := raw[TextureHeaderSize:]
	if len(pixels) != header.PixelBytes() {
		return nil, fmt.Errorf("blockcodec: %dx%dx%d texture has %d pixel bytes, want %d",
			header.Width, header.Height, header.Channels, len(pixels), header.PixelBytes())
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultTextureQuality
	}

	var img image.Image
	bounds := image.Rect(0, 0, int(header.Width), int(header.Height))
	switch header.Channels {
	case 1:
		img = &image.Gray{Pix: pixels, Stride: int(header.Width), Rect: bounds}
	case 3:
		rgba := image.NewRGBA(bounds)
		for source, target := 0, 0; source < len(pixels); source, target = source+3, target+4 {
			rgba.Pix[target] = pixels[source]
			rgba.Pix[target+1] = pixels[source+1]
			rgba.Pix[target+2] = pixels[source+2]
			rgba.Pix[target+3] = 0xFF
		}
		img = rgba
	case 4:
		img = &image.NRGBA{Pix: pixels, Stride: 4 * int(header.Width), Rect: bounds}
	}

	w := binio.NewWriter(TextureHeaderSize + len(pixels)/4)
	header.append(w)
	var encoded bytes.Buffer
	if err := jpeg.Encode(&encoded, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("blockcodec: jpeg encode: %w", err)
	}
	w.Raw(encoded.Bytes())
	return w.Bytes(), nil
}

// DecodeTexture reverses [EncodeTexture], returning header + raw
// pixels with the channel count recorded in the header.
func DecodeTexture(stored []byte) ([]byte, error) {
	header, err := ParseTextureHeader(stored)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(stored[TextureHeaderSize:]))
	if err != nil {
		return nil, fmt.Errorf("blockcodec: jpeg decode: %w", err)
	}
	if img.Bounds().Dx() != int(header.Width) || img.Bounds().Dy() != int(header.Height) {
		return nil, fmt.Errorf("blockcodec: jpeg is %dx%d, header says %dx%d",
			img.Bounds().Dx(), img.Bounds().Dy(), header.Width, header.Height)
	}
	return rasterize(img, header), nil
}

// DecodeImage decodes an embedded JPEG or PNG image into header + raw
// pixels. Images with an alpha channel produce four channels, others
// three.
func DecodeImage(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("blockcodec: decoding image: %w", err)
	}
	channels := int32(3)
	switch img.ColorModel() {
	case color.NRGBAModel, color.RGBAModel, color.NRGBA64Model, color.RGBA64Model:
		channels = 4
	}
	header := TextureHeader{
		Width:    int32(img.Bounds().Dx()),
		Height:   int32(img.Bounds().Dy()),
		Channels: channels,
		Format:   TextureRaw,
	}
	return rasterize(img, header), nil
}

func rasterize(img image.Image, header TextureHeader) []byte {
	w := binio.NewWriter(TextureHeaderSize + header.PixelBytes())
	header.append(w)
	bounds := img.Bounds()
	pixel := make([]byte, 0, 4)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			pixel = pixel[:0]
			switch header.Channels {
			case 1:
				pixel = append(pixel, color.GrayModel.Convert(c).(color.Gray).Y)
			case 3:
				pixel = append(pixel, c.R, c.G, c.B)
			default:
				pixel = append(pixel, c.R, c.G, c.B, c.A)
			}
			w.Raw(pixel)
		}
	}
	return w.Bytes()
}
