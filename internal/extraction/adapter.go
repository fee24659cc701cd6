// Package extraction turns named-entity-recognition responses into field
// values for prompt composition.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"vnhis2image/internal/backend"
	"vnhis2image/internal/prompt"
)

// NERClient is the slice of the backend client the adapter needs.
type NERClient interface {
	Extract(ctx context.Context, text, style string) (backend.NERResponse, error)
}

// Error is returned when the NER call fails or its body cannot be parsed.
// Status is zero when no HTTP status was received.
type Error struct {
	Status int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("NER API error (%d)", e.Status)
	}
	return "NER API error: " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Result struct {
	Fields map[string]string
	Scores map[string]float64
}

func (r Result) Empty() bool {
	return len(r.Fields) == 0
}

func (r Result) Clone() Result {
	out := Result{
		Fields: make(map[string]string, len(r.Fields)),
		Scores: make(map[string]float64, len(r.Scores)),
	}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	for k, v := range r.Scores {
		out.Scores[k] = v
	}
	return out
}

func (r Result) Missing(s prompt.Style) []string {
	return prompt.Missing(s, r.Fields)
}

type Options struct {
	Client NERClient
	// MinScore drops candidates whose known score is below it. Candidates
	// without a score are always kept.
	MinScore float64
	Logger   *slog.Logger
}

type Adapter struct {
	client   NERClient
	minScore float64
	logger   *slog.Logger
}

func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{
		client:   opts.Client,
		minScore: opts.MinScore,
		logger:   logger,
	}
}

func (a *Adapter) Extract(ctx context.Context, text string, style prompt.Style) (Result, error) {
	if a.client == nil {
		return Result{}, &Error{Reason: "NER client is not configured"}
	}

	resp, err := a.client.Extract(ctx, text, string(style))
	if err != nil {
		var httpErr *backend.HTTPError
		if errors.As(err, &httpErr) {
			return Result{}, &Error{Status: httpErr.StatusCode, Reason: httpErr.Body, Err: err}
		}
		return Result{}, &Error{Reason: err.Error(), Err: err}
	}

	var out Result
	switch resp.Shape {
	case backend.ShapeFieldMap:
		out = fromFieldMap(resp.Fields, resp.Scores, a.minScore)
	case backend.ShapeSpans:
		out = fromSpans(resp.Spans, a.minScore)
	default:
		out = Result{Fields: map[string]string{}, Scores: map[string]float64{}}
	}

	a.logger.Debug("ner extracted", "style", style, "shape", resp.Shape.String(), "fields", len(out.Fields))
	return out, nil
}

func fromFieldMap(fields map[string]string, scores map[string]float64, minScore float64) Result {
	out := Result{
		Fields: make(map[string]string, len(fields)),
		Scores: make(map[string]float64, len(scores)),
	}
	for label, text := range fields {
		score, scored := scores[label]
		if scored && score < minScore {
			continue
		}
		out.Fields[label] = text
		if scored {
			out.Scores[label] = score
		}
	}
	return out
}

// fromSpans keeps, per lowercased label, the span with the longest text;
// equal lengths keep the first one seen.
func fromSpans(spans []backend.Span, minScore float64) Result {
	out := Result{
		Fields: make(map[string]string),
		Scores: make(map[string]float64),
	}
	for _, sp := range spans {
		label := strings.ToLower(strings.TrimSpace(sp.Label))
		if label == "" {
			continue
		}
		if sp.Score != nil && *sp.Score < minScore {
			continue
		}

		current, seen := out.Fields[label]
		if seen && utf8.RuneCountInString(sp.Text) <= utf8.RuneCountInString(current) {
			continue
		}

		out.Fields[label] = sp.Text
		if sp.Score != nil {
			out.Scores[label] = *sp.Score
		} else {
			delete(out.Scores, label)
		}
	}
	return out
}
