package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"golang.org/x/image/draw"
)

// FrameSource produces single camera frames on demand. The 1 Hz sampler in
// the session manager drives it.
type FrameSource interface {
	Capture(ctx context.Context) (image.Image, error)
}

// HTTPCamera grabs JPEG snapshots from a webcam bridge endpoint (mjpg-streamer
// style /?action=snapshot, IP cameras, etc).
type HTTPCamera struct {
	URL    string
	Client *http.Client
}

func NewHTTPCamera(url string) *HTTPCamera {
	return &HTTPCamera{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPCamera) Capture(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}

const (
	// frameScaleDiv shrinks frames to a quarter of their linear size before
	// upload, matching the capture pipeline's bandwidth budget.
	frameScaleDiv = 4
	frameQuality  = 50
)

// EncodeFrame downsamples a camera image and compresses it to JPEG for the
// 1 Hz still-image uplink.
func EncodeFrame(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("nil frame")
	}
	bounds := img.Bounds()
	w := bounds.Dx() / frameScaleDiv
	h := bounds.Dy() / frameScaleDiv
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	small := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: frameQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
