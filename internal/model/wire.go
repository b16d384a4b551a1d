package model

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"

	"github.com/ent0n29/lipstream/internal/audio"
)

// Operation names shared by the worker and HTTP backends.
const (
	opPing       = "ping"
	opExtract    = "extract"
	opDetect     = "detect"
	opEncode     = "encode"
	opSynthesize = "synthesize"
)

// Failure codes a backend may attach to an unsuccessful response.
const (
	codeUnavailable = "unavailable"
	codeTransient   = "transient"
)

type wireRequest struct {
	ID         string      `json:"id,omitempty"`
	Op         string      `json:"op"`
	SampleRate int         `json:"sample_rate,omitempty"`
	PCMBase64  string      `json:"pcm_base64,omitempty"`
	Image      string      `json:"image_png_base64,omitempty"`
	Box        []int       `json:"box,omitempty"`
	Landmarks  [][2]int    `json:"landmarks,omitempty"`
	Latent     []float32   `json:"latent,omitempty"`
	Vectors    [][]float32 `json:"vectors,omitempty"`
	Partial    bool        `json:"partial,omitempty"`
}

type wireResponse struct {
	ID        string      `json:"id,omitempty"`
	OK        bool        `json:"ok"`
	Code      string      `json:"code,omitempty"`
	Error     string      `json:"error,omitempty"`
	Vectors   [][]float32 `json:"vectors,omitempty"`
	Partial   bool        `json:"partial,omitempty"`
	Found     bool        `json:"found,omitempty"`
	Box       []int       `json:"box,omitempty"`
	Landmarks [][2]int    `json:"landmarks,omitempty"`
	Score     float64     `json:"score,omitempty"`
	Latent    []float32   `json:"latent,omitempty"`
	Image     string      `json:"image_png_base64,omitempty"`
}

// failure maps an unsuccessful response onto the error taxonomy.
func (r wireResponse) failure(op string) error {
	msg := r.Error
	if msg == "" {
		msg = "unknown backend error"
	}
	switch r.Code {
	case codeUnavailable:
		return fmt.Errorf("%s: %w: %s", op, ErrModelUnavailable, msg)
	default:
		return fmt.Errorf("%s: %w: %s", op, ErrTransientSynthesis, msg)
	}
}

func extractRequest(w audio.Waveform) wireRequest {
	pcm := make([]int16, len(w.Samples))
	for i, s := range w.Samples {
		pcm[i] = int16(s * 32767)
	}
	return wireRequest{
		Op:         opExtract,
		SampleRate: w.SampleRate,
		PCMBase64:  base64.StdEncoding.EncodeToString(audio.EncodePCM16LE(pcm)),
	}
}

func detectRequest(frame *image.RGBA) (wireRequest, error) {
	img, err := encodePNG(frame)
	if err != nil {
		return wireRequest{}, err
	}
	return wireRequest{Op: opDetect, Image: img}, nil
}

func encodeRequest(frame *image.RGBA, det Detection) (wireRequest, error) {
	img, err := encodePNG(frame)
	if err != nil {
		return wireRequest{}, err
	}
	return wireRequest{Op: opEncode, Image: img, Box: rectToWire(det.Box), Landmarks: pointsToWire(det.Landmarks)}, nil
}

func synthesizeRequest(latent []float32, emb Embedding) wireRequest {
	return wireRequest{Op: opSynthesize, Latent: latent, Vectors: emb.Vectors, Partial: emb.Partial}
}

func (r wireResponse) detection() (Detection, bool) {
	if !r.Found || len(r.Box) != 4 {
		return Detection{}, false
	}
	det := Detection{
		Box:   image.Rect(r.Box[0], r.Box[1], r.Box[2], r.Box[3]),
		Score: r.Score,
	}
	for _, p := range r.Landmarks {
		det.Landmarks = append(det.Landmarks, image.Pt(p[0], p[1]))
	}
	return det, !det.Box.Empty()
}

func (r wireResponse) image() (image.Image, error) {
	if r.Image == "" {
		return nil, fmt.Errorf("synthesize: %w: empty image", ErrTransientSynthesis)
	}
	raw, err := base64.StdEncoding.DecodeString(r.Image)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w: decode image_png_base64: %v", ErrTransientSynthesis, err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w: decode png: %v", ErrTransientSynthesis, err)
	}
	return img, nil
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func rectToWire(r image.Rectangle) []int {
	return []int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y}
}

func pointsToWire(pts []image.Point) [][2]int {
	out := make([][2]int, 0, len(pts))
	for _, p := range pts {
		out = append(out, [2]int{p.X, p.Y})
	}
	return out
}
