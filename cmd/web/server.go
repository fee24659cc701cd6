package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"vnhis2image/internal/backend"
	"vnhis2image/internal/extraction"
	"vnhis2image/internal/generation"
	"vnhis2image/internal/prompt"
	"vnhis2image/internal/session"
)

type healthChecker interface {
	Health(ctx context.Context) (backend.Health, error)
}

type server struct {
	sess   *session.Session
	api    healthChecker
	logger *slog.Logger
}

type apiError struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing,omitempty"`
}

type fieldInfo struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Hint     string `json:"hint"`
}

type styleInfo struct {
	Key    string      `json:"key"`
	Name   string      `json:"name"`
	Fields []fieldInfo `json:"fields"`
}

type imageJSON struct {
	Kind   string `json:"kind"`
	Source string `json:"source"`
}

type generationJSON struct {
	State      string     `json:"state"`
	EpisodeID  string     `json:"episode_id,omitempty"`
	Percent    float64    `json:"percent"`
	ETASeconds *float64   `json:"eta_seconds,omitempty"`
	Preview    string     `json:"preview,omitempty"`
	Image      *imageJSON `json:"image,omitempty"`
	Error      string     `json:"error,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type stateResponse struct {
	Style          string             `json:"style"`
	Mode           string             `json:"mode"`
	FormValues     map[string]string  `json:"form_values"`
	ManualText     string             `json:"manual_text"`
	Extracted      map[string]string  `json:"extracted"`
	Scores         map[string]float64 `json:"scores"`
	Notes          string             `json:"notes"`
	Language       string             `json:"language"`
	AspectRatio    string             `json:"aspect_ratio,omitempty"`
	AnalysisNotes  []string           `json:"analysis_notes"`
	Missing        []string           `json:"missing"`
	ComposedPrompt string             `json:"composed_prompt,omitempty"`
	Generation     generationJSON     `json:"generation"`
}

type draftResponse struct {
	Prompt  string   `json:"prompt"`
	Missing []string `json:"missing"`
}

type valueRequest struct {
	Value string `json:"value"`
}

type fieldsRequest struct {
	Fields map[string]string `json:"fields"`
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/styles", s.handleStyles)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/draft", s.handleDraft)
	mux.HandleFunc("POST /api/style", s.handleStyle)
	mux.HandleFunc("POST /api/mode", s.handleMode)
	mux.HandleFunc("POST /api/fields", s.handleFields)
	mux.HandleFunc("POST /api/text", s.handleText)
	mux.HandleFunc("POST /api/notes", s.handleNotes)
	mux.HandleFunc("POST /api/language", s.handleLanguage)
	mux.HandleFunc("POST /api/ratio", s.handleRatio)
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	return withLogging(mux, s.logger)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.api.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *server) handleStyles(w http.ResponseWriter, r *http.Request) {
	out := make([]styleInfo, 0, 3)
	for _, opt := range prompt.Styles() {
		style := prompt.Style(opt.Key)
		info := styleInfo{Key: opt.Key, Name: opt.Name}
		for _, f := range prompt.Fields(style) {
			info.Fields = append(info.Fields, fieldInfo{Name: f, Required: prompt.IsRequired(style, f), Hint: prompt.Hint(f)})
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toState(s.sess.View()))
}

func (s *server) handleDraft(w http.ResponseWriter, r *http.Request) {
	d := s.sess.Draft()
	writeJSON(w, http.StatusOK, draftResponse{Prompt: d.Prompt, Missing: nonNil(d.Missing)})
}

func (s *server) handleStyle(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decode(w, r, &req) {
		return
	}
	style, err := prompt.ParseStyle(req.Value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	if err := s.sess.SetStyle(style); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleState(w, r)
}

func (s *server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := session.ParseMode(req.Value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	_ = s.sess.SetMode(mode)
	s.handleState(w, r)
}

// handleFields writes form values in form mode and edits extracted values in
// manual mode.
func (s *server) handleFields(w http.ResponseWriter, r *http.Request) {
	var req fieldsRequest
	if !decode(w, r, &req) {
		return
	}
	manual := s.sess.View().Mode == session.ModeManual
	for name, value := range req.Fields {
		var err error
		if manual {
			err = s.sess.SetExtractedField(name, value)
		} else {
			err = s.sess.SetField(name, value)
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
			return
		}
	}
	s.handleState(w, r)
}

func (s *server) handleText(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decode(w, r, &req) {
		return
	}
	s.sess.SetManualText(req.Value)
	s.handleState(w, r)
}

func (s *server) handleNotes(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decode(w, r, &req) {
		return
	}
	s.sess.SetNotes(req.Value)
	s.handleState(w, r)
}

func (s *server) handleLanguage(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decode(w, r, &req) {
		return
	}
	lang, err := prompt.ParseLanguage(req.Value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	s.sess.SetLanguage(lang)
	s.handleState(w, r)
}

func (s *server) handleRatio(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decode(w, r, &req) {
		return
	}
	s.sess.SetAspectRatio(req.Value)
	s.handleState(w, r)
}

func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sess.Analyze(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleState(w, r)
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sess.Generate(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toState(s.sess.View()))
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.sess.Cancel() {
		writeJSON(w, http.StatusConflict, apiError{Error: "no generation in progress"})
		return
	}
	s.handleState(w, r)
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.sess.Reset(); err != nil {
		s.writeError(w, err)
		return
	}
	s.handleState(w, r)
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	var vErr *prompt.ValidationError
	var exErr *extraction.Error
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusUnprocessableEntity, apiError{Error: err.Error(), Missing: vErr.Missing})
	case errors.As(err, &exErr):
		s.logger.Warn("extraction failed", "err", err)
		writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
	case errors.Is(err, generation.ErrBusy), errors.Is(err, session.ErrSuperseded):
		writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
	default:
		s.logger.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
	}
}

func toState(v session.View) stateResponse {
	values := v.Values()
	st := v.Generation
	gen := generationJSON{
		State:      st.State.String(),
		EpisodeID:  st.EpisodeID,
		Percent:    st.Progress.Percent,
		ETASeconds: st.Progress.ETASeconds,
		Preview:    st.Progress.Preview,
		UpdatedAt:  st.UpdatedAt,
	}
	if st.Image != nil {
		kind := "embedded"
		if st.Image.Kind == backend.ImageURL {
			kind = "url"
		}
		gen.Image = &imageJSON{Kind: kind, Source: st.Image.Source}
	}
	if st.State == generation.Failed && st.Err != nil {
		gen.Error = st.Err.Error()
	}

	return stateResponse{
		Style:          string(v.Style),
		Mode:           string(v.Mode),
		FormValues:     v.FormValues,
		ManualText:     v.ManualText,
		Extracted:      v.Extraction.Fields,
		Scores:         v.Extraction.Scores,
		Notes:          v.Notes,
		Language:       string(v.Language),
		AspectRatio:    v.AspectRatio,
		AnalysisNotes:  nonNil(v.AnalysisNotes),
		Missing:        nonNil(prompt.Missing(v.Style, values)),
		ComposedPrompt: v.ComposedPrompt,
		Generation:     gen,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid json body"})
		return false
	}
	return true
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withLogging(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("http", "method", r.Method, "path", r.URL.Path, "dur_ms", time.Since(start).Milliseconds())
	})
}
