// Package session holds the interactive state of one user: the chosen style,
// the values entered or extracted so far and the generation controller.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"vnhis2image/internal/extraction"
	"vnhis2image/internal/generation"
	"vnhis2image/internal/prompt"
)

type Mode string

const (
	ModeForm   Mode = "form"
	ModeManual Mode = "manual"
)

func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "form", "fields":
		return ModeForm, nil
	case "manual", "text", "free":
		return ModeManual, nil
	}
	return "", fmt.Errorf("unsupported mode %q, use form or manual", value)
}

// Analysis notes are stable codes; front ends render them in their own language.
const (
	NoteNoText        = "no description entered"
	NoteAllPresent    = "all required fields present"
	NoteMissingPrefix = "missing required field: "
)

// MissingField returns the field named by a missing-field note.
func MissingField(note string) (string, bool) {
	if !strings.HasPrefix(note, NoteMissingPrefix) {
		return "", false
	}
	return strings.TrimPrefix(note, NoteMissingPrefix), true
}

// ErrSuperseded is returned by Analyze when the style changed while the
// extraction was running; its result is discarded.
var ErrSuperseded = errors.New("style changed during analysis")

// Extractor is satisfied by *extraction.Adapter.
type Extractor interface {
	Extract(ctx context.Context, text string, style prompt.Style) (extraction.Result, error)
}

type Options struct {
	Extractor   Extractor
	Controller  *generation.Controller
	Style       prompt.Style
	Language    prompt.Language
	AspectRatio string
	Logger      *slog.Logger
}

type Session struct {
	extractor  Extractor
	controller *generation.Controller
	logger     *slog.Logger

	mu             sync.Mutex
	style          prompt.Style
	mode           Mode
	formValues     map[string]string
	manualText     string
	extraction     extraction.Result
	notes          string
	language       prompt.Language
	analysisNotes  []string
	composedPrompt string
	aspectRatio    string
}

// View is a detached copy of the session state.
type View struct {
	Style          prompt.Style
	Mode           Mode
	FormValues     map[string]string
	ManualText     string
	Extraction     extraction.Result
	Notes          string
	Language       prompt.Language
	AnalysisNotes  []string
	ComposedPrompt string
	AspectRatio    string
	Generation     generation.Status
}

// Values returns the mapping the current mode would compose from.
func (v View) Values() map[string]string {
	if v.Mode == ModeManual {
		return v.Extraction.Fields
	}
	return v.FormValues
}

type Draft struct {
	Prompt  string
	Missing []string
}

func New(opts Options) *Session {
	style := opts.Style
	if !style.Valid() {
		style = prompt.StylePortrait
	}
	lang := opts.Language
	if lang == "" {
		lang = prompt.Vietnamese
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctrl := opts.Controller
	if ctrl == nil {
		ctrl = generation.New(generation.Options{Logger: logger})
	}

	return &Session{
		extractor:   opts.Extractor,
		controller:  ctrl,
		logger:      logger,
		style:       style,
		mode:        ModeForm,
		formValues:  make(map[string]string),
		extraction:  emptyResult(),
		language:    lang,
		aspectRatio: strings.TrimSpace(opts.AspectRatio),
	}
}

func (s *Session) View() View {
	s.mu.Lock()
	v := View{
		Style:          s.style,
		Mode:           s.mode,
		FormValues:     copyMap(s.formValues),
		ManualText:     s.manualText,
		Extraction:     s.extraction.Clone(),
		Notes:          s.notes,
		Language:       s.language,
		AnalysisNotes:  append([]string(nil), s.analysisNotes...),
		ComposedPrompt: s.composedPrompt,
		AspectRatio:    s.aspectRatio,
	}
	s.mu.Unlock()

	v.Generation = s.controller.Status()
	return v
}

func (s *Session) Controller() *generation.Controller {
	return s.controller
}

// SetStyle switches the template and clears everything derived from the
// previous one. It is refused while a generation is in flight.
func (s *Session) SetStyle(style prompt.Style) error {
	if !style.Valid() {
		_, err := prompt.ParseStyle(string(style))
		return err
	}
	if err := s.controller.Reset(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.style = style
	s.formValues = make(map[string]string)
	s.extraction = emptyResult()
	s.analysisNotes = nil
	s.composedPrompt = ""
	return nil
}

func (s *Session) SetMode(m Mode) error {
	if m != ModeForm && m != ModeManual {
		_, err := ParseMode(string(m))
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
	return nil
}

// SetField stores a form value. An empty value clears the field.
func (s *Session) SetField(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, err := s.checkFieldLocked(name)
	if err != nil {
		return err
	}
	setOrDelete(s.formValues, name, value)
	return nil
}

// SetExtractedField records a user edit of an extracted value. The edit
// replaces the backend's value and drops its score.
func (s *Session) SetExtractedField(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, err := s.checkFieldLocked(name)
	if err != nil {
		return err
	}
	setOrDelete(s.extraction.Fields, name, value)
	delete(s.extraction.Scores, name)
	return nil
}

func (s *Session) SetManualText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualText = text
}

// AppendManualText adds a paragraph to the manual description.
func (s *Session) AppendManualText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(s.manualText) == "" {
		s.manualText = text
		return
	}
	s.manualText += "\n" + text
}

func (s *Session) SetNotes(notes string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = notes
}

func (s *Session) SetLanguage(lang prompt.Language) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = lang
}

func (s *Session) SetAspectRatio(ratio string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aspectRatio = strings.TrimSpace(ratio)
}

// Analyze refreshes the analysis notes. In manual mode it runs entity
// extraction on the description first; an extraction failure leaves the
// session untouched.
func (s *Session) Analyze(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	mode, style, text := s.mode, s.style, s.manualText
	if mode == ModeForm {
		s.analysisNotes = analysisNotes(style, s.formValues)
		out := append([]string(nil), s.analysisNotes...)
		s.mu.Unlock()
		return out, nil
	}
	if strings.TrimSpace(text) == "" {
		s.analysisNotes = []string{NoteNoText}
		s.mu.Unlock()
		return []string{NoteNoText}, nil
	}
	s.mu.Unlock()

	res, err := s.extract(ctx, text, style)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.style != style {
		return nil, ErrSuperseded
	}
	if res.Fields == nil {
		res.Fields = map[string]string{}
	}
	if res.Scores == nil {
		res.Scores = map[string]float64{}
	}
	s.extraction = res
	s.analysisNotes = analysisNotes(style, res.Fields)
	return append([]string(nil), s.analysisNotes...), nil
}

// Generate starts an attempt from the values of the current mode. In manual
// mode an empty extraction triggers Analyze first.
func (s *Session) Generate(ctx context.Context) (*generation.Episode, error) {
	s.mu.Lock()
	needsExtraction := s.mode == ModeManual && s.extraction.Empty()
	s.mu.Unlock()

	if needsExtraction {
		if _, err := s.Analyze(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	attempt := generation.Attempt{
		Style:    s.style,
		Values:   copyMap(s.valuesLocked()),
		Notes:    s.notes,
		Language: s.language,
		Options:  generation.RequestOptions{AspectRatio: s.aspectRatio},
	}
	s.mu.Unlock()

	ep, err := s.controller.Start(attempt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		var vErr *prompt.ValidationError
		if errors.As(err, &vErr) {
			s.composedPrompt = ""
		}
		return nil, err
	}
	s.composedPrompt = s.controller.Status().Prompt
	s.logger.Debug("attempt started", "episode", ep.ID, "style", attempt.Style, "mode", s.mode)
	return ep, nil
}

func (s *Session) Cancel() bool {
	return s.controller.Cancel()
}

// Reset clears all entered data but keeps style, mode and preferences.
func (s *Session) Reset() error {
	if err := s.controller.Reset(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formValues = make(map[string]string)
	s.manualText = ""
	s.extraction = emptyResult()
	s.notes = ""
	s.analysisNotes = nil
	s.composedPrompt = ""
	return nil
}

// Draft renders the template with whatever values are present. It is a
// preview only and never becomes the composed prompt.
func (s *Session) Draft() Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.valuesLocked()
	return Draft{
		Prompt:  prompt.Compose(prompt.Template(s.style), values, s.notes, s.language),
		Missing: prompt.Missing(s.style, values),
	}
}

// Close cancels any attempt in flight.
func (s *Session) Close() {
	if s.controller.Cancel() {
		s.logger.Info("session closed with attempt in flight")
	}
}

func (s *Session) extract(ctx context.Context, text string, style prompt.Style) (extraction.Result, error) {
	if s.extractor == nil {
		return extraction.Result{}, &extraction.Error{Reason: "extraction is not configured"}
	}
	return s.extractor.Extract(ctx, text, style)
}

func (s *Session) valuesLocked() map[string]string {
	if s.mode == ModeManual {
		return s.extraction.Fields
	}
	return s.formValues
}

func (s *Session) checkFieldLocked(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, f := range prompt.Fields(s.style) {
		if f == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("field %q is not used by the %s template", name, s.style)
}

func analysisNotes(style prompt.Style, values map[string]string) []string {
	missing := prompt.Missing(style, values)
	if len(missing) == 0 {
		return []string{NoteAllPresent}
	}
	out := make([]string, 0, len(missing))
	for _, f := range missing {
		out = append(out, NoteMissingPrefix+f)
	}
	return out
}

func emptyResult() extraction.Result {
	return extraction.Result{Fields: map[string]string{}, Scores: map[string]float64{}}
}

func setOrDelete(m map[string]string, key, value string) {
	if strings.TrimSpace(value) == "" {
		delete(m, key)
		return
	}
	m[key] = value
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
