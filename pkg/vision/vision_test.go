package vision

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridPoints(t *testing.T) {
	pts := GridPoints(Rect{X1: 10, Y1: 20, X2: 50, Y2: 60}, 5, 640, 480)
	require.Len(t, pts, 25)
	assert.Equal(t, Point{X: 10, Y: 20}, pts[0])
	assert.Equal(t, Point{X: 50, Y: 60}, pts[24])
	assert.Equal(t, Point{X: 30, Y: 40}, pts[12])
}

func TestGridPoints_ClipsToFrame(t *testing.T) {
	pts := GridPoints(Rect{X1: -100, Y1: -100, X2: 1000, Y2: 1000}, 3, 100, 50)
	for _, p := range pts {
		assert.True(t, p.In(100, 50), "point %v outside frame", p)
	}
}

func TestEnvelope(t *testing.T) {
	pts := []Point{{X: 5, Y: 5}, {X: 20, Y: 8}, {X: -3, Y: 10}, {X: 12, Y: 30}, {X: 200, Y: 1}}
	r, valid, ok := Envelope(pts, 100, 100)
	require.True(t, ok)
	assert.Len(t, valid, 3)
	assert.Equal(t, Rect{X1: 5, Y1: 5, X2: 20, Y2: 30}, r)
}

func TestEnvelope_NoPointsInFrame(t *testing.T) {
	_, _, ok := Envelope([]Point{{X: -1, Y: -1}, {X: 640, Y: 10}}, 640, 480)
	assert.False(t, ok)
}

func TestRect(t *testing.T) {
	r := Rect{X1: 10, Y1: 10, X2: 30, Y2: 50}
	assert.Equal(t, 800.0, r.Area())
	assert.Equal(t, Point{X: 20, Y: 30}, r.Center())
	assert.Equal(t, 0.0, Rect{X1: 5, X2: 1, Y2: 4}.Area())
}

func TestFrameRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	data, err := EncodeJPEG(img, 80)
	require.NoError(t, err)

	f, err := DecodeFrame(data)
	require.NoError(t, err)
	w, h := f.Size()
	assert.Equal(t, 32, w)
	assert.Equal(t, 24, h)
}

func TestDecodeFrame_Invalid(t *testing.T) {
	_, err := DecodeFrame([]byte("nope"))
	assert.Error(t, err)
}

func TestColorDetector(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 160, 120))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{40, 40, 40, 255}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(40, 30, 80, 90), &image.Uniform{color.RGBA{220, 20, 20, 255}}, image.Point{}, draw.Src)

	d := NewColorDetector()
	det, ok, err := d.Detect(context.Background(), Frame{Image: img}, "red")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 40, det.Box.X1, 2)
	assert.InDelta(t, 30, det.Box.Y1, 2)
	assert.InDelta(t, 79, det.Box.X2, 2)
	assert.InDelta(t, 89, det.Box.Y2, 2)
	assert.Greater(t, det.Confidence, 0.9)

	_, ok, err = d.Detect(context.Background(), Frame{Image: img}, "blue")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = d.Detect(context.Background(), Frame{Image: img}, "plaid")
	assert.Error(t, err)
}

func TestColorLabels(t *testing.T) {
	assert.Equal(t, []string{"blue", "cyan", "green", "magenta", "red", "yellow"}, ColorLabels())
}
