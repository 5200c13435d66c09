package cv

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"
)

// Camera captures JPEG frames from a local video device.
type Camera struct {
	capture *gocv.VideoCapture
	img     gocv.Mat
	quality int
}

// OpenCamera opens device (a numeric index or a path/URL). width and height
// request a capture size when non-zero.
func OpenCamera(device string, width, height, quality int) (*Camera, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open camera %s: %w", device, err)
	}
	if width > 0 && height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	if quality <= 0 {
		quality = 80
	}
	return &Camera{
		capture: capture,
		img:     gocv.NewMat(),
		quality: quality,
	}, nil
}

// Capture implements vision.Camera.
func (c *Camera) Capture(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.capture.Read(&c.img); !ok || c.img.Empty() {
		return nil, nil
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, c.img, []int{gocv.IMWriteJpegQuality, c.quality})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

// Close releases the device.
func (c *Camera) Close() error {
	c.img.Close()
	return c.capture.Close()
}

// CameraInfo describes a video device that opened successfully.
type CameraInfo struct {
	ID     int
	Width  int
	Height int
}

// ProbeCameras tries device indices 0..n-1 and reports those that open.
func ProbeCameras(n int) []CameraInfo {
	var found []CameraInfo
	for id := 0; id < n; id++ {
		capture, err := gocv.VideoCaptureDevice(id)
		if err != nil {
			continue
		}
		if capture.IsOpened() {
			found = append(found, CameraInfo{
				ID:     id,
				Width:  int(capture.Get(gocv.VideoCaptureFrameWidth)),
				Height: int(capture.Get(gocv.VideoCaptureFrameHeight)),
			})
		}
		capture.Close()
	}
	return found
}
