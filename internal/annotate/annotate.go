// Package annotate renders frames for display: detection boxes plus an edge
// highlight layer, encoded as JPEG.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Blend weights of the boxed frame and the edge layer.
const (
	FrameWeight = 0.7
	EdgeWeight  = 0.3
)

// Canny hysteresis thresholds and blur kernel used for the edge layer.
const (
	cannyLow   = 50
	cannyHigh  = 150
	blurKernel = 5
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 90

// Annotator draws detections and composites edges. It holds only
// configuration, so a single value can be shared.
type Annotator struct {
	Quality      int
	BoxColor     color.RGBA
	BoxThickness int
}

// New returns an Annotator drawing green boxes two pixels wide.
func New(quality int) (*Annotator, error) {
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("annotate: jpeg quality must be between 1 and 100, got %d", quality)
	}
	return &Annotator{
		Quality:      quality,
		BoxColor:     color.RGBA{G: 255},
		BoxThickness: 2,
	}, nil
}

// Render returns the JPEG encoding of img with boxes drawn and the edge layer
// blended on top. img is not modified.
func (a *Annotator) Render(img gocv.Mat, boxes []image.Rectangle) ([]byte, error) {
	if img.Empty() {
		return nil, fmt.Errorf("annotate: empty frame")
	}

	boxed := img.Clone()
	defer boxed.Close()
	for _, r := range boxes {
		gocv.Rectangle(&boxed, r, a.BoxColor, a.BoxThickness)
	}

	edges := a.edgeLayer(img)
	defer edges.Close()

	blended := gocv.NewMat()
	defer blended.Close()
	gocv.AddWeighted(boxed, FrameWeight, edges, EdgeWeight, 0, &blended)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, blended, []int{gocv.IMWriteJpegQuality, a.Quality})
	if err != nil {
		return nil, fmt.Errorf("annotate: encode jpeg: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// edgeLayer computes Canny edges of the blurred grayscale frame as a
// three-channel image matching img. The caller closes the result.
func (a *Annotator) edgeLayer(img gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(blurKernel, blurKernel), 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, cannyLow, cannyHigh)

	colored := gocv.NewMat()
	gocv.CvtColor(edges, &colored, gocv.ColorGrayToBGR)
	return colored
}
