package handlers

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vnhis2image/internal/backend"
	"vnhis2image/internal/extraction"
	"vnhis2image/internal/generation"
	"vnhis2image/internal/prompt"
	"vnhis2image/internal/session"
	"vnhis2image/internal/telegram"
	"vnhis2image/internal/textgroup"
)

type fakeMessenger struct {
	mu      sync.Mutex
	nextID  int
	texts   []string
	edits   []string
	photos  []string
	answers []string
}

func (f *fakeMessenger) SendTyping(int64) {}

func (f *fakeMessenger) SendText(_ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeMessenger) SendTextWithKeyboard(_ int64, text string, _ tgbotapi.InlineKeyboardMarkup) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.texts = append(f.texts, text)
	return f.nextID, nil
}

func (f *fakeMessenger) EditText(_ int64, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeMessenger) EditTextWithKeyboard(_ int64, _ int, text string, _ tgbotapi.InlineKeyboardMarkup) error {
	return f.EditText(0, 0, text)
}

func (f *fakeMessenger) AnswerCallback(_ string, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeMessenger) SendPhotoDataURL(_ int64, dataURL string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, dataURL)
	return nil
}

func (f *fakeMessenger) SendPhotoURL(_ int64, url string, _ string) error {
	return f.SendPhotoDataURL(0, url, "")
}

func (f *fakeMessenger) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

func (f *fakeMessenger) hasEdit(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.edits {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func (f *fakeMessenger) photoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.photos)
}

type fakeBackend struct {
	mu         sync.Mutex
	block      bool
	interrupts int
}

func (b *fakeBackend) Generate(ctx context.Context, _ backend.GenerateRequest) (backend.Image, error) {
	if b.block {
		<-ctx.Done()
		return backend.Image{}, ctx.Err()
	}
	return backend.Image{Kind: backend.ImageEmbedded, Source: "data:image/png;base64,AAAA"}, nil
}

func (b *fakeBackend) Progress(context.Context) (backend.Progress, error) {
	pct := 30.0
	return backend.Progress{Percent: &pct}, nil
}

func (b *fakeBackend) Interrupt(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interrupts++
	return nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(context.Context, string, prompt.Style) (extraction.Result, error) {
	return extraction.Result{
		Fields: map[string]string{"person": "Lý Thường Kiệt", "dynasty": "Lý", "time": "1075"},
		Scores: map[string]float64{"person": 0.9},
	}, nil
}

const (
	chatID = int64(100)
	userID = int64(7)
)

var testKey = session.Key{ChatID: chatID, UserID: userID}

func newTestHandler(t *testing.T, be *fakeBackend) (*Handler, *fakeMessenger) {
	t.Helper()
	tg := &fakeMessenger{}
	h := New(Options{
		Telegram:             tg,
		Backend:              be,
		Extractor:            fakeExtractor{},
		PollInterval:         5 * time.Millisecond,
		ProgressEditInterval: time.Millisecond,
	})
	t.Cleanup(h.Close)
	return h, tg
}

func messageUpdate(text string) telegram.Update {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID, UserName: "sử_gia"},
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.SplitN(text, " ", 2)[0]
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return telegram.Update{Message: msg}
}

func callbackUpdate(fromID int64, data string) telegram.Update {
	return telegram.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb1",
		From: &tgbotapi.User{ID: fromID},
		Data: data,
		Message: &tgbotapi.Message{
			MessageID: 9,
			Chat:      &tgbotapi.Chat{ID: chatID},
		},
	}}
}

func send(t *testing.T, h *Handler, text string) {
	t.Helper()
	require.NoError(t, h.HandleUpdate(context.Background(), messageUpdate(text)))
}

func TestStyleAndSetCommands(t *testing.T) {
	h, tg := newTestHandler(t, &fakeBackend{})

	send(t, h, "/style battle")
	assert.Contains(t, tg.lastText(), "Battle")

	send(t, h, "/set person=Trần Hưng Đạo\ntime: 1288")
	v := h.sessions.Get(testKey).View()
	assert.Equal(t, prompt.StyleBattle, v.Style)
	assert.Equal(t, "Trần Hưng Đạo", v.FormValues["person"])
	assert.Equal(t, "1288", v.FormValues["time"])
	assert.Contains(t, tg.lastText(), "Còn thiếu: event, title")

	send(t, h, "/style landscape")
	assert.Contains(t, tg.lastText(), "portrait, battle, architecture")
}

func TestFormTextSetsFields(t *testing.T) {
	h, tg := newTestHandler(t, &fakeBackend{})

	send(t, h, "person: Lý Thường Kiệt")
	assert.Equal(t, "Lý Thường Kiệt", h.sessions.Get(testKey).View().FormValues["person"])

	send(t, h, "just some words")
	assert.Contains(t, tg.lastText(), "trường: giá trị")

	send(t, h, "weapon=kiếm")
	assert.Contains(t, tg.lastText(), "weapon")
}

func TestGenerateMissingFields(t *testing.T) {
	h, tg := newTestHandler(t, &fakeBackend{})

	send(t, h, "/set person=Lý Thường Kiệt")
	send(t, h, "/generate")
	assert.Contains(t, tg.lastText(), "Thiếu trường bắt buộc")
	assert.Contains(t, tg.lastText(), "costume")
	assert.Equal(t, generation.Idle, h.sessions.Get(testKey).View().Generation.State)
}

func TestGenerateDeliversImage(t *testing.T) {
	h, tg := newTestHandler(t, &fakeBackend{})

	send(t, h, "/style architecture")
	send(t, h, "/set architecture=Khuê Văn Các\ndynasty=Nguyễn\ntime=1805\nlocation=Thăng Long")
	send(t, h, "/generate")

	require.Eventually(t, func() bool { return tg.photoCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, tg.hasEdit("Hoàn tất"))
	tg.mu.Lock()
	assert.Equal(t, "data:image/png;base64,AAAA", tg.photos[0])
	tg.mu.Unlock()

	send(t, h, "/prompt")
	assert.Contains(t, tg.lastText(), "Khuê Văn Các")
}

func TestCancelCommand(t *testing.T) {
	be := &fakeBackend{block: true}
	h, tg := newTestHandler(t, be)

	send(t, h, "/cancel")
	assert.Contains(t, tg.lastText(), "Không có lượt")

	send(t, h, "/set person=Lý Thường Kiệt\ndynasty=Lý\ntime=1075\ncostume=giáp")
	send(t, h, "/generate")
	send(t, h, "/style battle")
	assert.Equal(t, busyText, tg.lastText())

	send(t, h, "/cancel")
	require.Eventually(t, func() bool { return tg.hasEdit("Đã huỷ") }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, tg.photoCount())
	be.mu.Lock()
	assert.Equal(t, 1, be.interrupts)
	be.mu.Unlock()
}

func TestManualModeAnalyze(t *testing.T) {
	h, tg := newTestHandler(t, &fakeBackend{})

	send(t, h, "/mode manual")
	send(t, h, "Lý Thường Kiệt đánh Tống năm 1075")
	assert.Equal(t, "Lý Thường Kiệt đánh Tống năm 1075", h.sessions.Get(testKey).View().ManualText)

	send(t, h, "/analyze")
	got := tg.lastText()
	assert.Contains(t, got, "person: Lý Thường Kiệt (0.90)")
	assert.Contains(t, got, "Thiếu trường bắt buộc: costume")
}

func TestManualTextBufferedBeforeAnalyze(t *testing.T) {
	h, tg := newTestHandler(t, &fakeBackend{})
	h.SetTextAggregator(textgroup.New(textgroup.Options{
		Debounce: time.Hour,
		OnFlush:  func(g textgroup.Group) { h.HandleTextGroup(context.Background(), g) },
	}))

	send(t, h, "/mode manual")
	send(t, h, "Lý Thường Kiệt")
	send(t, h, "đánh Tống năm 1075")
	assert.Empty(t, h.sessions.Get(testKey).View().ManualText)

	send(t, h, "/analyze")
	assert.Equal(t, "Lý Thường Kiệt\nđánh Tống năm 1075", h.sessions.Get(testKey).View().ManualText)
	got := tg.lastText()
	assert.NotContains(t, got, "Chưa nhập mô tả")
	assert.Contains(t, got, "person: Lý Thường Kiệt (0.90)")

	send(t, h, "áo giáp")
	send(t, h, "/prompt")
	assert.Equal(t, "Lý Thường Kiệt\nđánh Tống năm 1075\náo giáp", h.sessions.Get(testKey).View().ManualText)
	assert.False(t, h.texts.Flush(chatID, userID))
}

func TestNoteText(t *testing.T) {
	assert.Equal(t, "Chưa nhập mô tả.", noteText(session.NoteNoText))
	assert.Equal(t, "Đủ trường bắt buộc theo phong cách.", noteText(session.NoteAllPresent))
	assert.Equal(t, "Thiếu trường bắt buộc: costume", noteText(session.NoteMissingPrefix+"costume"))
}

func TestCallbacks(t *testing.T) {
	h, tg := newTestHandler(t, &fakeBackend{})

	require.NoError(t, h.HandleUpdate(context.Background(), callbackUpdate(999, cb(userID, "style", "battle"))))
	assert.Equal(t, []string{"Menu này không dành cho bạn."}, tg.answers)
	assert.Equal(t, prompt.StylePortrait, h.sessions.Get(testKey).View().Style)

	require.NoError(t, h.HandleUpdate(context.Background(), callbackUpdate(userID, cb(userID, "style", "battle"))))
	assert.Equal(t, prompt.StyleBattle, h.sessions.Get(testKey).View().Style)

	require.NoError(t, h.HandleUpdate(context.Background(), callbackUpdate(userID, cb(userID, "field", "event"))))
	assert.Equal(t, "event", h.ui.Get(testKey).AwaitingField)

	send(t, h, "Trận Như Nguyệt")
	assert.Equal(t, "Trận Như Nguyệt", h.sessions.Get(testKey).View().FormValues["event"])
	assert.Empty(t, h.ui.Get(testKey).AwaitingField)
}

func TestParseAssignments(t *testing.T) {
	got := parseAssignments("Person = Lý Thường Kiệt\n[flora fauna]: tre; no separator\n: empty\ntime=thế kỷ XI")
	assert.Equal(t, []assignment{
		{Field: "person", Value: "Lý Thường Kiệt"},
		{Field: "flora_fauna", Value: "tre"},
		{Field: "time", Value: "thế kỷ XI"},
	}, got)
}

func TestProgressText(t *testing.T) {
	eta := 75.0
	st := generation.Status{State: generation.Active, Progress: generation.Snapshot{Percent: 42, ETASeconds: &eta}}
	got := progressText(st)
	assert.Contains(t, got, "42%")
	assert.Contains(t, got, "1m15s")

	assert.Equal(t, "░░░░░░░░░░", progressBar(0, 10))
	assert.Equal(t, "██████████", progressBar(100, 10))
	assert.Equal(t, "9s", formatETA(9.4))
}
