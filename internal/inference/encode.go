package inference

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/vigil/internal/types"
)

// frameEncoder turns raw frames into the base64 strings the service expects.
type frameEncoder struct {
	raw          bool
	quality      int
	resizeWidth  int
	resizeHeight int
}

// outputSize is the width and height reported in the request body.
func (e frameEncoder) outputSize(c *types.Clip) (int, int) {
	if e.resizeWidth > 0 && e.resizeHeight > 0 {
		return e.resizeWidth, e.resizeHeight
	}
	return c.Width, c.Height
}

func (e frameEncoder) encodeClip(c *types.Clip) ([]string, error) {
	out := make([]string, len(c.Frames))
	var buf bytes.Buffer
	for i, f := range c.Frames {
		buf.Reset()
		if err := e.encodeFrame(&buf, f); err != nil {
			return nil, fmt.Errorf("frame %d: %w", f.Seq, err)
		}
		out[i] = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	return out, nil
}

func (e frameEncoder) encodeFrame(buf *bytes.Buffer, f *types.Frame) error {
	resize := e.resizeWidth > 0 && e.resizeHeight > 0 &&
		(e.resizeWidth != f.Width || e.resizeHeight != f.Height)

	if e.raw && !resize {
		buf.Write(f.Data)
		return nil
	}

	img := toImage(f)
	if resize {
		dst := image.NewRGBA(image.Rect(0, 0, e.resizeWidth, e.resizeHeight))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		img = dst
	}

	if e.raw {
		buf.Write(fromImage(img, f.Format))
		return nil
	}
	return jpeg.Encode(buf, img, &jpeg.Options{Quality: e.quality})
}

// toImage wraps or converts the frame buffer into an image.Image.
func toImage(f *types.Frame) image.Image {
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Format {
	case types.GRAY8:
		return &image.Gray{Pix: f.Data, Stride: f.Width, Rect: rect}
	case types.RGBA32:
		return &image.RGBA{Pix: f.Data, Stride: f.Width * 4, Rect: rect}
	}

	img := image.NewRGBA(rect)
	swap := f.Format == types.BGR24
	for src, dst := 0, 0; src+2 < len(f.Data); src, dst = src+3, dst+4 {
		r, g, b := f.Data[src], f.Data[src+1], f.Data[src+2]
		if swap {
			r, b = b, r
		}
		img.Pix[dst] = r
		img.Pix[dst+1] = g
		img.Pix[dst+2] = b
		img.Pix[dst+3] = 0xFF
	}
	return img
}

// fromImage packs an image back into the frame's pixel layout.
func fromImage(img image.Image, format types.PixelFormat) []byte {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(b)
		draw.Draw(rgba, b, img, b.Min, draw.Src)
	}

	bpp := format.BytesPerPixel()
	out := make([]byte, 0, b.Dx()*b.Dy()*bpp)
	for y := 0; y < b.Dy(); y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			r, g, bl, a := row[x], row[x+1], row[x+2], row[x+3]
			switch format {
			case types.BGR24:
				out = append(out, bl, g, r)
			case types.RGB24:
				out = append(out, r, g, bl)
			case types.RGBA32:
				out = append(out, r, g, bl, a)
			case types.GRAY8:
				// ITU-R 601 luma
				out = append(out, uint8((299*uint32(r)+587*uint32(g)+114*uint32(bl))/1000))
			}
		}
	}
	return out
}
