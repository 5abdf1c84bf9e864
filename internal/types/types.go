package types

import (
	"fmt"
	"strings"
	"time"
)

// PixelFormat identifies the memory layout of a decoded frame.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	BGR24
	RGB24
	GRAY8
	RGBA32
)

// BytesPerPixel returns 0 for unknown formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case BGR24, RGB24:
		return 3
	case GRAY8:
		return 1
	case RGBA32:
		return 4
	}
	return 0
}

// String returns the tag the inference service expects in the "format" field.
func (f PixelFormat) String() string {
	switch f {
	case BGR24:
		return "BGR"
	case RGB24:
		return "RGB"
	case GRAY8:
		return "GRAY"
	case RGBA32:
		return "RGBA"
	}
	return "UNKNOWN"
}

// ParsePixelFormat accepts both the wire tags and the ffmpeg pix_fmt names.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(s) {
	case "bgr", "bgr24":
		return BGR24, nil
	case "rgb", "rgb24":
		return RGB24, nil
	case "gray", "gray8":
		return GRAY8, nil
	case "rgba", "rgba32":
		return RGBA32, nil
	}
	return FormatUnknown, fmt.Errorf("unknown pixel format %q", s)
}

// Frame is one decoded image. It must not be mutated once handed to the accumulator.
type Frame struct {
	Seq       uint64
	Timestamp time.Duration
	Width     int
	Height    int
	Format    PixelFormat
	Data      []byte
}

// FrameFormatError reports a frame that cannot be batched as-is.
type FrameFormatError struct {
	Seq    uint64
	Reason string
}

func (e *FrameFormatError) Error() string {
	return fmt.Sprintf("frame %d: %s", e.Seq, e.Reason)
}

// Validate checks the frame dimensions, format and buffer length.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return &FrameFormatError{Seq: f.Seq, Reason: fmt.Sprintf("invalid dimensions %dx%d", f.Width, f.Height)}
	}
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return &FrameFormatError{Seq: f.Seq, Reason: "unknown pixel format"}
	}
	if want := f.Width * f.Height * bpp; len(f.Data) != want {
		return &FrameFormatError{Seq: f.Seq, Reason: fmt.Sprintf("buffer is %d bytes, want %d", len(f.Data), want)}
	}
	return nil
}

// Clip is an immutable batch of consecutive frames sharing one shape.
type Clip struct {
	ID        uint64
	FirstSeq  uint64
	CreatedAt time.Time
	Width     int
	Height    int
	Format    PixelFormat
	Frames    []*Frame
}

// LastSeq returns the sequence number of the final frame in the clip.
func (c *Clip) LastSeq() uint64 {
	return c.FirstSeq + uint64(len(c.Frames)) - 1
}

// Prediction is one ranked label from the model.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// InferenceRequest is the JSON body sent to /api/v1/infer.
type InferenceRequest struct {
	Frames []string `json:"frames"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Format string   `json:"format"`
}

// InferenceResponse is the JSON body returned on success.
type InferenceResponse struct {
	Predictions []Prediction `json:"predictions"`
	ClipID      string       `json:"clip_id"`
}

// ErrorResponse is what the service returns alongside non-2xx codes.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Health is the body of GET /health.
type Health struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Ready reports whether the service can accept inference requests.
func (h Health) Ready() bool {
	return h.Status == "healthy" && h.ModelLoaded
}
