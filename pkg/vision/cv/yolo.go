// Package cv implements the vision contracts with OpenCV through gocv: a YOLOv8
// ONNX detector, a pyramidal Lucas-Kanade point tracker, and a camera source.
package cv

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/gwillem/legbot/pkg/vision"
)

// YOLOConfig holds YOLO detector configuration.
type YOLOConfig struct {
	ModelPath        string  `yaml:"model_path"`
	ConfidenceThresh float32 `yaml:"confidence_threshold"`
	NMSThresh        float32 `yaml:"nms_threshold"`
	InputWidth       int     `yaml:"input_width"`
	InputHeight      int     `yaml:"input_height"`
}

// DefaultYOLOConfig returns defaults for YOLOv8n.
func DefaultYOLOConfig() YOLOConfig {
	return YOLOConfig{
		ModelPath:        "models/yolov8n.onnx",
		ConfidenceThresh: 0.25,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
	}
}

// YOLODetector finds COCO objects with a YOLOv8 ONNX model.
type YOLODetector struct {
	net       gocv.Net
	config    YOLOConfig
	mu        sync.Mutex
	inputSize image.Point
}

// NewYOLO loads the model at cfg.ModelPath.
func NewYOLO(cfg YOLOConfig) (*YOLODetector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("load YOLO model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &YOLODetector{
		net:       net,
		config:    cfg,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
	}, nil
}

// Detect implements vision.Detector, returning the most confident box of the
// given COCO class.
func (d *YOLODetector) Detect(ctx context.Context, frame vision.Frame, label string) (vision.Detection, bool, error) {
	if err := ctx.Err(); err != nil {
		return vision.Detection{}, false, err
	}
	if len(frame.JPEG) == 0 {
		return vision.Detection{}, false, nil
	}
	classID := classIndex(label)
	if classID < 0 {
		return vision.Detection{}, false, fmt.Errorf("yolo: unknown class %q", label)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := gocv.IMDecode(frame.JPEG, gocv.IMReadColor)
	if err != nil {
		return vision.Detection{}, false, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return vision.Detection{}, false, fmt.Errorf("empty image")
	}

	blob := gocv.BlobFromImage(img, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	best, ok := d.parse(output, float32(img.Cols()), float32(img.Rows()), classID)
	if !ok {
		return vision.Detection{}, false, nil
	}
	best.Label = label
	return best, true, nil
}

// parse reads a [1, 84, N] YOLOv8 tensor: 4 box values then 80 class scores
// per candidate, candidates along the last axis.
func (d *YOLODetector) parse(output gocv.Mat, imgW, imgH float32, classID int) (vision.Detection, bool) {
	sizes := output.Size()
	if len(sizes) != 3 {
		return vision.Detection{}, false
	}
	cols, rows := sizes[1], sizes[2]

	data, err := output.DataPtrFloat32()
	if err != nil {
		return vision.Detection{}, false
	}

	var boxes []image.Rectangle
	var scores []float32
	for i := 0; i < rows; i++ {
		// Only keep candidates whose strongest class is the requested one.
		maxScore, maxClass := float32(0), -1
		for c := 4; c < cols; c++ {
			if s := data[c*rows+i]; s > maxScore {
				maxScore, maxClass = s, c-4
			}
		}
		if maxClass != classID || maxScore < d.config.ConfidenceThresh {
			continue
		}

		cx, cy := data[i], data[rows+i]
		w, h := data[2*rows+i], data[3*rows+i]
		sx := imgW / float32(d.config.InputWidth)
		sy := imgH / float32(d.config.InputHeight)
		boxes = append(boxes, image.Rect(
			int((cx-w/2)*sx), int((cy-h/2)*sy),
			int((cx+w/2)*sx), int((cy+h/2)*sy),
		))
		scores = append(scores, maxScore)
	}
	if len(boxes) == 0 {
		return vision.Detection{}, false
	}

	var best vision.Detection
	found := false
	for _, idx := range gocv.NMSBoxes(boxes, scores, d.config.ConfidenceThresh, d.config.NMSThresh) {
		if found && float64(scores[idx]) <= best.Confidence {
			continue
		}
		b := boxes[idx]
		best = vision.Detection{
			Box: vision.Rect{
				X1: float64(b.Min.X), Y1: float64(b.Min.Y),
				X2: float64(b.Max.X), Y2: float64(b.Max.Y),
			},
			Confidence: float64(scores[idx]),
		}
		found = true
	}
	return best, found
}

// Close releases the network.
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

func classIndex(label string) int {
	for i, name := range COCOClasses {
		if name == label {
			return i
		}
	}
	return -1
}

// COCOClasses contains the 80 COCO class names in model output order.
var COCOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator",
	"book", "clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}
