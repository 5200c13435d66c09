package robot

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/gwillem/legbot/pkg/vision"
)

// Light and dark shades per target color. The checker pattern gives point
// trackers corners to hold on to.
var targetShades = map[string][2]color.RGBA{
	"red":     {{230, 30, 30, 255}, {150, 15, 15, 255}},
	"green":   {{30, 200, 30, 255}, {15, 120, 15, 255}},
	"blue":    {{30, 30, 230, 255}, {15, 15, 140, 255}},
	"yellow":  {{230, 230, 30, 255}, {150, 150, 15, 255}},
	"cyan":    {{30, 220, 220, 255}, {15, 130, 130, 255}},
	"magenta": {{220, 30, 220, 255}, {130, 15, 130, 255}},
}

var (
	skyColor   = color.RGBA{70, 80, 95, 255}
	floorColor = color.RGBA{60, 55, 50, 255}
)

// projectTarget returns the target's footprint in the camera image of a robot
// at (x, y) facing yaw. It returns false when the target is behind the camera.
func projectTarget(cfg SimConfig, x, y, yaw float64) (image.Rectangle, bool) {
	dx, dy := cfg.Target.X-x, cfg.Target.Y-y
	sin, cos := math.Sincos(-yaw)
	forward := dx*cos - dy*sin
	left := dx*sin + dy*cos
	if forward < 0.1 {
		return image.Rectangle{}, false
	}

	w, h := float64(cfg.CameraWidth), float64(cfg.CameraHeight)
	focal := (w / 2) / math.Tan(cfg.CameraFOV*math.Pi/360)
	cx := w/2 - focal*left/forward
	cy := h / 2
	half := focal * cfg.Target.Size / forward / 2

	r := image.Rect(int(cx-half), int(cy-half), int(cx+half), int(cy+half))
	r = r.Intersect(image.Rect(0, 0, cfg.CameraWidth, cfg.CameraHeight))
	if r.Empty() {
		return image.Rectangle{}, false
	}
	return r, true
}

// renderView draws the robot's front camera view and encodes it as JPEG.
func renderView(cfg SimConfig, x, y, yaw float64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, cfg.CameraWidth, cfg.CameraHeight))
	horizon := cfg.CameraHeight / 2
	draw.Draw(img, image.Rect(0, 0, cfg.CameraWidth, horizon), &image.Uniform{skyColor}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, horizon, cfg.CameraWidth, cfg.CameraHeight), &image.Uniform{floorColor}, image.Point{}, draw.Src)

	if r, ok := projectTarget(cfg, x, y, yaw); ok {
		shades, ok := targetShades[cfg.Target.Color]
		if !ok {
			shades = targetShades["red"]
		}
		cell := max(r.Dx()/4, 2)
		for py := r.Min.Y; py < r.Max.Y; py++ {
			for px := r.Min.X; px < r.Max.X; px++ {
				shade := shades[((px-r.Min.X)/cell+(py-r.Min.Y)/cell)%2]
				img.SetRGBA(px, py, shade)
			}
		}
	}

	return vision.EncodeJPEG(img, cfg.JPEGQuality)
}
