package backend

import (
	"errors"
	"fmt"
)

var ErrNoImage = errors.New("generate response carries no image")

type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s API error (%d)", e.Endpoint, e.StatusCode)
}

// NERShape tags which of the two /ner response layouts was received.
type NERShape int

const (
	ShapeNone NERShape = iota
	ShapeFieldMap
	ShapeSpans
)

func (s NERShape) String() string {
	switch s {
	case ShapeFieldMap:
		return "fields"
	case ShapeSpans:
		return "spans"
	default:
		return "none"
	}
}

type Span struct {
	Label string   `json:"label"`
	Text  string   `json:"text"`
	Score *float64 `json:"score,omitempty"`
}

// NERResponse is a tagged union: only the members matching Shape are set.
type NERResponse struct {
	Shape  NERShape
	Fields map[string]string
	Scores map[string]float64
	Spans  []Span
}

type GenerateRequest struct {
	Prompt         string `json:"prompt"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	NumberOfImages int    `json:"number_of_images,omitempty"`
	MimeType       string `json:"mime_type,omitempty"`
	AllowPeople    string `json:"allow_people,omitempty"`
}

type ImageKind int

const (
	ImageEmbedded ImageKind = iota
	ImageURL
)

// Image is a displayable image reference: a data URI or a remote URL.
type Image struct {
	Kind   ImageKind
	Source string
}

type Progress struct {
	Progress   *float64 `json:"progress,omitempty"`
	Percent    *float64 `json:"percent,omitempty"`
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
	HasPreview bool     `json:"has_preview,omitempty"`
	PreviewB64 string   `json:"preview_b64,omitempty"`
}

type Health struct {
	OK             bool   `json:"ok"`
	ImagenModel    string `json:"imagen_model,omitempty"`
	TranslateModel string `json:"translate_model,omitempty"`
	NERLoaded      bool   `json:"ner_loaded"`
	Notes          string `json:"notes,omitempty"`
}

type nerRequest struct {
	Text  string `json:"text"`
	Style string `json:"style"`
}

type nerBody struct {
	Fields map[string]string   `json:"fields"`
	Scores map[string]*float64 `json:"scores"`
	Spans  []spanBody          `json:"spans"`
}

// spanBody is lenient: labels and text are coerced the way loosely typed
// backends tend to emit them.
type spanBody struct {
	Label any `json:"label"`
	Text  any `json:"text"`
	Score any `json:"score"`
}

type generateBody struct {
	ImageBase64 string `json:"image_base64"`
	Images      []any  `json:"images"`
	ImageURL    string `json:"image_url"`
	URL         string `json:"url"`
}
