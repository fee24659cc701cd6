package handlers

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"vnhis2image/internal/generation"
	"vnhis2image/internal/session"
)

// progressView is the Telegram message that mirrors one episode.
type progressView struct {
	mu        sync.Mutex
	episodeID string
	messageID int
	limiter   *rate.Limiter
	lastText  string
	settled   bool
}

func (h *Handler) trackProgress(key session.Key, episodeID string, messageID int, text string) {
	pv := &progressView{
		episodeID: episodeID,
		messageID: messageID,
		limiter:   rate.NewLimiter(rate.Every(h.editInterval), 1),
		lastText:  text,
	}
	pv.limiter.Allow()

	h.progressMu.Lock()
	h.progress[key] = pv
	h.progressMu.Unlock()
}

// renderProgress edits the progress message of key. Edits while running are
// throttled; the settled state is always rendered, once.
func (h *Handler) renderProgress(key session.Key, st generation.Status) {
	h.progressMu.Lock()
	pv := h.progress[key]
	h.progressMu.Unlock()
	if pv == nil {
		return
	}

	pv.mu.Lock()
	defer pv.mu.Unlock()
	if pv.settled || pv.episodeID != st.EpisodeID {
		return
	}

	switch st.State {
	case generation.Requesting, generation.Active:
		text := progressText(st)
		if text == pv.lastText || !pv.limiter.Allow() {
			return
		}
		if err := h.tg.EditTextWithKeyboard(key.ChatID, pv.messageID, text, cancelKeyboard(key.UserID)); err != nil {
			h.logger.Debug("progress edit failed", "chat_id", key.ChatID, "err", err)
			return
		}
		pv.lastText = text

	case generation.Succeeded, generation.Failed, generation.Cancelled:
		pv.settled = true
		if err := h.tg.EditText(key.ChatID, pv.messageID, settledText(st)); err != nil {
			h.logger.Debug("progress edit failed", "chat_id", key.ChatID, "err", err)
		}
		if st.State == generation.Succeeded && st.Image != nil {
			h.sendImage(key.ChatID, *st.Image, "✅ Ảnh của bạn")
		}
		h.progressMu.Lock()
		if h.progress[key] == pv {
			delete(h.progress, key)
		}
		h.progressMu.Unlock()
	}
}

func progressText(st generation.Status) string {
	var b strings.Builder
	if st.State == generation.Requesting || st.Progress.Percent == 0 {
		b.WriteString("🎨 Đang tạo ảnh…\n")
	} else {
		b.WriteString(fmt.Sprintf("🎨 Đang tạo ảnh… %.0f%%\n", st.Progress.Percent))
	}
	b.WriteString(progressBar(st.Progress.Percent, 12))
	if st.Progress.ETASeconds != nil {
		b.WriteString("\n⏱ Còn khoảng " + formatETA(*st.Progress.ETASeconds))
	}
	if st.Progress.Preview != "" {
		b.WriteString("\n🖼 Đã có ảnh xem trước")
	}
	return b.String()
}

func settledText(st generation.Status) string {
	switch st.State {
	case generation.Succeeded:
		return "✅ Hoàn tất."
	case generation.Cancelled:
		return "🛑 Đã huỷ."
	default:
		if st.Err != nil {
			return "❌ " + st.Err.Error()
		}
		return "❌ Tạo ảnh thất bại."
	}
}
