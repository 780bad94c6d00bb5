package embed

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"testing"

	"github.com/Kagami/go-face"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type fakeRecognizer struct {
	faces   []face.Face
	err     error
	usedCNN bool
	got     []byte
	closed  bool
}

func (f *fakeRecognizer) Recognize(b []byte) ([]face.Face, error) {
	f.got = b
	return f.faces, f.err
}

func (f *fakeRecognizer) RecognizeCNN(b []byte) ([]face.Face, error) {
	f.usedCNN = true
	return f.Recognize(b)
}

func (f *fakeRecognizer) Close() { f.closed = true }

func testFrame() gocv.Mat {
	img := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	img.SetTo(gocv.NewScalar(40, 80, 120, 0))
	return img
}

func TestFaceEmbedder_Embed(t *testing.T) {
	var d face.Descriptor
	for i := range d {
		d[i] = float32(i) / 2
	}
	rec := &fakeRecognizer{faces: []face.Face{
		{Rectangle: image.Rect(1, 2, 11, 12), Descriptor: d},
		{Rectangle: image.Rect(20, 20, 30, 30)},
	}}
	e := &FaceEmbedder{rec: rec}

	img := testFrame()
	defer img.Close()

	dets, err := e.Embed(img)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.Equal(t, image.Rect(1, 2, 11, 12), dets[0].Box)
	require.Len(t, dets[0].Embedding, Dimension)
	assert.Equal(t, 63.5, dets[0].Embedding[127])
	assert.Equal(t, []image.Rectangle{image.Rect(1, 2, 11, 12), image.Rect(20, 20, 30, 30)}, Boxes(dets))

	// dlib receives a decodable JPEG of the frame.
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(rec.got))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)
	assert.False(t, rec.usedCNN)
}

func TestFaceEmbedder_CNN(t *testing.T) {
	rec := &fakeRecognizer{}
	e := &FaceEmbedder{rec: rec, cnn: true}

	img := testFrame()
	defer img.Close()

	dets, err := e.Embed(img)
	require.NoError(t, err)
	assert.Empty(t, dets)
	assert.True(t, rec.usedCNN)
}

func TestFaceEmbedder_Errors(t *testing.T) {
	e := &FaceEmbedder{rec: &fakeRecognizer{err: errors.New("image load error")}}

	img := testFrame()
	defer img.Close()
	_, err := e.Embed(img)
	assert.ErrorIs(t, err, ErrEmbedding)
	assert.ErrorContains(t, err, "image load error")

	empty := gocv.NewMat()
	defer empty.Close()
	_, err = e.Embed(empty)
	assert.ErrorIs(t, err, ErrEmbedding)
}

func TestFaceEmbedder_Close(t *testing.T) {
	rec := &fakeRecognizer{}
	(&FaceEmbedder{rec: rec}).Close()
	assert.True(t, rec.closed)
}
