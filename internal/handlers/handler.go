package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"vnhis2image/internal/backend"
	"vnhis2image/internal/extraction"
	"vnhis2image/internal/generation"
	"vnhis2image/internal/prompt"
	"vnhis2image/internal/session"
	"vnhis2image/internal/telegram"
	"vnhis2image/internal/textgroup"
)

// Messenger is the part of the Telegram client the handler talks to.
type Messenger interface {
	SendTyping(chatID int64)
	SendText(chatID int64, text string) error
	SendTextWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) (int, error)
	EditText(chatID int64, messageID int, text string) error
	EditTextWithKeyboard(chatID int64, messageID int, text string, kb tgbotapi.InlineKeyboardMarkup) error
	AnswerCallback(callbackID string, text string, alert bool) error
	SendPhotoDataURL(chatID int64, dataURL string, caption string) error
	SendPhotoURL(chatID int64, url string, caption string) error
}

type Options struct {
	Telegram  Messenger
	Backend   generation.Backend
	Extractor session.Extractor

	PollInterval     time.Duration
	GenerateTimeout  time.Duration
	InterruptTimeout time.Duration

	Language    prompt.Language
	AspectRatio string

	SessionIdleTTL       time.Duration
	ProgressEditInterval time.Duration

	// BaseContext parents every generation. Cancelling it aborts them all.
	BaseContext context.Context
	Logger      *slog.Logger
}

type Handler struct {
	tg        Messenger
	backend   generation.Backend
	extractor session.Extractor
	opts      Options
	baseCtx   context.Context
	logger    *slog.Logger

	sessions *session.Store
	ui       *uiStore
	texts    *textgroup.Aggregator

	editInterval time.Duration
	progressMu   sync.Mutex
	progress     map[session.Key]*progressView
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	editInterval := opts.ProgressEditInterval
	if editInterval <= 0 {
		editInterval = 2 * time.Second
	}

	h := &Handler{
		tg:           opts.Telegram,
		backend:      opts.Backend,
		extractor:    opts.Extractor,
		opts:         opts,
		baseCtx:      base,
		logger:       logger,
		ui:           newUIStore(opts.SessionIdleTTL),
		editInterval: editInterval,
		progress:     make(map[session.Key]*progressView),
	}
	h.sessions = session.NewStore(session.StoreOptions{
		IdleTTL:    opts.SessionIdleTTL,
		NewSession: h.newSession,
		Logger:     logger,
	})
	return h
}

func (h *Handler) SetTextAggregator(ag *textgroup.Aggregator) {
	h.texts = ag
}

// Close cancels every generation in flight.
func (h *Handler) Close() {
	h.sessions.Flush()
}

func (h *Handler) newSession(key session.Key) *session.Session {
	logger := h.logger.With("chat_id", key.ChatID, "user_id", key.UserID)
	ctrl := generation.New(generation.Options{
		Backend:          h.backend,
		PollInterval:     h.opts.PollInterval,
		GenerateTimeout:  h.opts.GenerateTimeout,
		InterruptTimeout: h.opts.InterruptTimeout,
		BaseContext:      h.baseCtx,
		OnUpdate: func(st generation.Status) {
			h.renderProgress(key, st)
		},
		Logger: logger,
	})
	return session.New(session.Options{
		Extractor:   h.extractor,
		Controller:  ctrl,
		Language:    h.opts.Language,
		AspectRatio: h.opts.AspectRatio,
		Logger:      logger,
	})
}

func (h *Handler) HandleUpdate(ctx context.Context, update telegram.Update) error {
	if update.CallbackQuery != nil {
		return h.handleCallback(ctx, update.CallbackQuery)
	}
	if update.Message == nil || update.Message.From == nil {
		return nil
	}

	msg := update.Message
	key := session.Key{ChatID: msg.Chat.ID, UserID: msg.From.ID}

	if msg.IsCommand() {
		return h.handleCommand(ctx, key, msg)
	}
	if msg.Text != "" {
		return h.handleText(ctx, key, msg.From.UserName, msg.Text)
	}
	return nil
}

// HandleTextGroup appends a merged burst of messages to the manual description.
func (h *Handler) HandleTextGroup(ctx context.Context, group textgroup.Group) {
	key := session.Key{ChatID: group.ChatID, UserID: group.UserID}
	sess := h.sessions.Get(key)
	sess.AppendManualText(group.Text())

	v := sess.View()
	text := fmt.Sprintf("📝 Đã lưu mô tả (%d ký tự).\nBấm 🔍 Analyze để trích xuất các trường, hoặc 🎨 Generate để tạo ảnh.", len([]rune(v.ManualText)))
	if err := h.sendMenu(key, text); err != nil {
		h.logger.Error("text group reply failed", "err", err)
	}
}

func (h *Handler) handleCommand(ctx context.Context, key session.Key, msg *tgbotapi.Message) error {
	chatID := key.ChatID
	args := strings.TrimSpace(msg.CommandArguments())
	sess := h.sessions.Get(key)

	switch msg.Command() {
	case "start", "help", "menu":
		h.ui.Update(key, func(st *uiState) { st.Menu = menuMain })
		return h.sendMenu(key, helpText)
	case "style":
		if args == "" {
			h.ui.Update(key, func(st *uiState) { st.Menu = menuStyle })
			return h.sendMenu(key, "Chọn phong cách:")
		}
		style, err := prompt.ParseStyle(args)
		if err != nil {
			return h.tg.SendText(chatID, "❌ "+err.Error())
		}
		return h.applyStyle(key, sess, style)
	case "mode":
		if args == "" {
			h.ui.Update(key, func(st *uiState) { st.Menu = menuMode })
			return h.sendMenu(key, "Chọn chế độ nhập:")
		}
		mode, err := session.ParseMode(args)
		if err != nil {
			return h.tg.SendText(chatID, "❌ "+err.Error())
		}
		_ = sess.SetMode(mode)
		return h.tg.SendText(chatID, modeText(mode))
	case "set":
		assigns := parseAssignments(args)
		if len(assigns) == 0 {
			return h.tg.SendText(chatID, "❌ Dùng: /set person=Lý Thường Kiệt\n(mỗi dòng một trường)")
		}
		return h.applyAssignments(key, sess, assigns)
	case "fields":
		h.takePendingText(key, sess)
		return h.tg.SendText(chatID, fieldsText(sess.View()))
	case "text":
		if h.texts != nil {
			h.texts.Take(key.ChatID, key.UserID)
		}
		sess.SetManualText(args)
		return h.tg.SendText(chatID, "📝 Đã thay mô tả. /analyze để trích xuất.")
	case "lang":
		lang, err := prompt.ParseLanguage(args)
		if err != nil {
			return h.tg.SendText(chatID, "❌ "+err.Error())
		}
		sess.SetLanguage(lang)
		return h.tg.SendText(chatID, "✅ Ngôn ngữ prompt: "+string(lang))
	case "notes":
		sess.SetNotes(args)
		if args == "" {
			return h.tg.SendText(chatID, "✅ Đã xoá ghi chú.")
		}
		return h.tg.SendText(chatID, "✅ Đã lưu ghi chú.")
	case "ratio":
		sess.SetAspectRatio(args)
		if args == "" {
			return h.tg.SendText(chatID, "✅ Dùng tỉ lệ mặc định của backend.")
		}
		return h.tg.SendText(chatID, "✅ Tỉ lệ khung hình: "+args)
	case "analyze":
		return h.analyze(ctx, key, sess)
	case "prompt":
		return h.showPrompt(key, sess)
	case "generate":
		return h.generate(ctx, key, sess)
	case "cancel":
		return h.cancel(key, sess)
	case "reset":
		if err := sess.Reset(); err != nil {
			return h.tg.SendText(chatID, busyText)
		}
		h.ui.Update(key, func(st *uiState) { st.clearAwaiting() })
		return h.tg.SendText(chatID, "✅ Đã xoá dữ liệu đã nhập.")
	case "status":
		h.takePendingText(key, sess)
		return h.tg.SendText(chatID, statusText(sess.View()))
	default:
		return h.tg.SendText(chatID, "❌ Lệnh không hợp lệ. Dùng /help.")
	}
}

func (h *Handler) handleText(ctx context.Context, key session.Key, username string, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	chatID := key.ChatID
	sess := h.sessions.Get(key)

	ui := h.ui.Get(key)
	switch {
	case ui.AwaitingField != "":
		h.ui.Update(key, func(st *uiState) { st.clearAwaiting() })
		return h.applyAssignments(key, sess, []assignment{{Field: ui.AwaitingField, Value: text}})
	case ui.AwaitingNotes:
		h.ui.Update(key, func(st *uiState) { st.clearAwaiting() })
		sess.SetNotes(text)
		return h.tg.SendText(chatID, "✅ Đã lưu ghi chú.")
	}

	if sess.View().Mode == session.ModeManual {
		if h.texts != nil {
			h.texts.Add(textgroup.Item{ChatID: chatID, UserID: key.UserID, Username: username, Text: text})
			return nil
		}
		h.HandleTextGroup(ctx, textgroup.Group{ChatID: chatID, UserID: key.UserID, Username: username, Parts: []string{text}})
		return nil
	}

	assigns := parseAssignments(text)
	if len(assigns) == 0 {
		return h.tg.SendText(chatID, "ℹ️ Ở chế độ form, gửi theo dạng `trường: giá trị`, ví dụ:\nperson: Lý Thường Kiệt\n\nHoặc /mode manual để nhập mô tả tự do.")
	}
	return h.applyAssignments(key, sess, assigns)
}

func (h *Handler) applyStyle(key session.Key, sess *session.Session, style prompt.Style) error {
	if err := sess.SetStyle(style); err != nil {
		if errors.Is(err, generation.ErrBusy) {
			return h.tg.SendText(key.ChatID, busyText)
		}
		return h.tg.SendText(key.ChatID, "❌ "+err.Error())
	}
	h.ui.Update(key, func(st *uiState) { st.clearAwaiting() })
	return h.tg.SendText(key.ChatID, fmt.Sprintf("✅ Phong cách: %s\n\n%s", style.Name(), fieldsText(sess.View())))
}

func (h *Handler) applyAssignments(key session.Key, sess *session.Session, assigns []assignment) error {
	manual := sess.View().Mode == session.ModeManual

	var failed []string
	for _, a := range assigns {
		var err error
		if manual {
			err = sess.SetExtractedField(a.Field, a.Value)
		} else {
			err = sess.SetField(a.Field, a.Value)
		}
		if err != nil {
			failed = append(failed, err.Error())
		}
	}

	var b strings.Builder
	if len(failed) > 0 {
		b.WriteString("⚠️ " + strings.Join(failed, "\n⚠️ ") + "\n\n")
	}
	b.WriteString(fieldsText(sess.View()))
	return h.tg.SendText(key.ChatID, b.String())
}

// takePendingText moves text still waiting in the debounce buffer into the
// manual description before it is read.
func (h *Handler) takePendingText(key session.Key, sess *session.Session) {
	if h.texts == nil {
		return
	}
	if group, ok := h.texts.Take(key.ChatID, key.UserID); ok {
		sess.AppendManualText(group.Text())
	}
}

func (h *Handler) analyze(ctx context.Context, key session.Key, sess *session.Session) error {
	h.takePendingText(key, sess)
	h.tg.SendTyping(key.ChatID)

	notes, err := sess.Analyze(ctx)
	if err != nil {
		var exErr *extraction.Error
		switch {
		case errors.As(err, &exErr):
			h.logger.Warn("extraction failed", "chat_id", key.ChatID, "err", err)
			return h.tg.SendText(key.ChatID, "❌ Không trích xuất được: "+exErr.Error())
		case errors.Is(err, session.ErrSuperseded):
			return h.tg.SendText(key.ChatID, "ℹ️ Phong cách đã đổi trong lúc phân tích, kết quả bị bỏ qua.")
		default:
			return err
		}
	}
	return h.sendMenu(key, analysisText(sess.View(), notes))
}

func (h *Handler) showPrompt(key session.Key, sess *session.Session) error {
	h.takePendingText(key, sess)
	v := sess.View()
	if v.ComposedPrompt != "" {
		return h.tg.SendText(key.ChatID, "📄 Prompt đã gửi:\n\n"+v.ComposedPrompt)
	}
	d := sess.Draft()
	head := "📄 Bản nháp prompt"
	if len(d.Missing) > 0 {
		head += " (còn thiếu: " + strings.Join(d.Missing, ", ") + ")"
	}
	return h.tg.SendText(key.ChatID, head+":\n\n"+d.Prompt)
}

func (h *Handler) generate(ctx context.Context, key session.Key, sess *session.Session) error {
	chatID := key.ChatID
	h.takePendingText(key, sess)
	h.tg.SendTyping(chatID)

	ep, err := sess.Generate(ctx)
	if err != nil {
		var vErr *prompt.ValidationError
		var exErr *extraction.Error
		switch {
		case errors.Is(err, generation.ErrBusy):
			return h.tg.SendText(chatID, busyText)
		case errors.As(err, &vErr):
			return h.tg.SendText(chatID, missingText(vErr))
		case errors.As(err, &exErr):
			return h.tg.SendText(chatID, "❌ Không trích xuất được: "+exErr.Error())
		default:
			h.logger.Error("generate failed to start", "chat_id", chatID, "err", err)
			return h.tg.SendText(chatID, "❌ Không thể bắt đầu tạo ảnh. Hãy thử lại.")
		}
	}

	st := sess.Controller().Status()
	text := progressText(st)
	msgID, err := h.tg.SendTextWithKeyboard(chatID, text, cancelKeyboard(key.UserID))
	if err != nil {
		return err
	}
	h.trackProgress(key, ep.ID, msgID, text)
	h.renderProgress(key, sess.Controller().Status())
	return nil
}

func (h *Handler) cancel(key session.Key, sess *session.Session) error {
	ui := h.ui.Get(key)
	if ui.AwaitingField != "" || ui.AwaitingNotes {
		h.ui.Update(key, func(st *uiState) { st.clearAwaiting() })
		return h.tg.SendText(key.ChatID, "✅ Đã huỷ nhập.")
	}
	if !sess.Cancel() {
		return h.tg.SendText(key.ChatID, "ℹ️ Không có lượt tạo ảnh nào đang chạy.")
	}
	return nil
}

func (h *Handler) sendImage(chatID int64, img backend.Image, caption string) {
	var err error
	switch img.Kind {
	case backend.ImageURL:
		err = h.tg.SendPhotoURL(chatID, img.Source, caption)
		if err != nil {
			err = h.tg.SendText(chatID, caption+"\n"+img.Source)
		}
	default:
		err = h.tg.SendPhotoDataURL(chatID, img.Source, caption)
	}
	if err != nil {
		h.logger.Error("send image failed", "chat_id", chatID, "err", err)
	}
}
