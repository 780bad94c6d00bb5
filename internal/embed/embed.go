// Package embed detects faces in a frame and produces one descriptor per face.
package embed

import (
	"errors"
	"fmt"
	"image"

	"github.com/Kagami/go-face"
	"gocv.io/x/gocv"

	"github.com/clalos/occupancy-estimator/internal/window"
)

// Dimension is the length of the descriptors produced by the dlib models.
const Dimension = len(face.Descriptor{})

// ErrEmbedding marks a per-frame failure. The frame's faces are skipped but
// processing continues.
var ErrEmbedding = errors.New("embed: failed to embed frame")

// Detection is one face found in a frame. It is valid only for that frame.
type Detection struct {
	Box       image.Rectangle
	Embedding window.Embedding
}

// Embedder maps a frame to the faces it contains.
type Embedder interface {
	Embed(img gocv.Mat) ([]Detection, error)
}

// recognizer is the subset of *face.Recognizer used here.
type recognizer interface {
	Recognize(imgData []byte) ([]face.Face, error)
	RecognizeCNN(imgData []byte) ([]face.Face, error)
	Close()
}

// FaceEmbedder runs dlib face detection and recognition through go-face.
// dlib models are not safe for concurrent use, so neither is FaceEmbedder.
type FaceEmbedder struct {
	rec recognizer
	cnn bool
}

// NewFaceEmbedder loads the dlib models from modelDir. With cnn set the
// slower but more accurate CNN detector is used.
func NewFaceEmbedder(modelDir string, cnn bool) (*FaceEmbedder, error) {
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("load face models from %s: %w", modelDir, err)
	}
	return &FaceEmbedder{rec: rec, cnn: cnn}, nil
}

// Embed implements Embedder. The frame is handed to dlib as a JPEG.
func (e *FaceEmbedder) Embed(img gocv.Mat) ([]Detection, error) {
	if img.Empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrEmbedding)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("%w: encode frame: %w", ErrEmbedding, err)
	}
	defer buf.Close()

	var faces []face.Face
	if e.cnn {
		faces, err = e.rec.RecognizeCNN(buf.GetBytes())
	} else {
		faces, err = e.rec.Recognize(buf.GetBytes())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	dets := make([]Detection, 0, len(faces))
	for _, f := range faces {
		emb := make(window.Embedding, len(f.Descriptor))
		for i, v := range f.Descriptor {
			emb[i] = float64(v)
		}
		dets = append(dets, Detection{Box: f.Rectangle, Embedding: emb})
	}
	return dets, nil
}

// Close releases the dlib models.
func (e *FaceEmbedder) Close() {
	e.rec.Close()
}

// Boxes returns the bounding boxes of dets.
func Boxes(dets []Detection) []image.Rectangle {
	out := make([]image.Rectangle, len(dets))
	for i, d := range dets {
		out[i] = d.Box
	}
	return out
}
