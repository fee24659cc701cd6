package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"vnhis2image/internal/generation"
	"vnhis2image/internal/prompt"
	"vnhis2image/internal/session"
)

const callbackPrefix = "vh"

const helpText = "🏯 Lịch sử Việt Nam → hình ảnh\n\n" +
	"Chọn phong cách, nhập các trường (form) hoặc mô tả tự do (manual), rồi bấm Generate.\n\n" +
	"Lệnh:\n" +
	"/style [portrait|battle|architecture] - Chọn phong cách\n" +
	"/mode [form|manual] - Chế độ nhập\n" +
	"/set trường=giá trị - Đặt giá trị trường\n" +
	"/fields - Xem các trường\n" +
	"/text <mô tả> - Thay mô tả tự do\n" +
	"/analyze - Trích xuất/kiểm tra trường\n" +
	"/notes <ghi chú> - Ghi chú thêm\n" +
	"/lang vi|en - Ngôn ngữ prompt\n" +
	"/ratio <tỉ lệ> - Tỉ lệ khung hình, vd 3:4\n" +
	"/prompt - Xem prompt\n" +
	"/generate - Tạo ảnh\n" +
	"/cancel - Huỷ\n" +
	"/reset - Xoá dữ liệu đã nhập\n" +
	"/status - Trạng thái"

const busyText = "⏳ Đang có một lượt tạo ảnh. Dùng /cancel để huỷ trước."

func (h *Handler) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) error {
	if q == nil || q.Message == nil || q.From == nil {
		return nil
	}
	data := strings.TrimSpace(q.Data)
	if !strings.HasPrefix(data, callbackPrefix+":") {
		return nil
	}

	parts := strings.Split(data, ":")
	if len(parts) < 3 {
		return nil
	}

	ownerID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil
	}
	if ownerID != q.From.ID {
		_ = h.tg.AnswerCallback(q.ID, "Menu này không dành cho bạn.", true)
		return nil
	}

	action := parts[2]
	args := parts[3:]
	key := session.Key{ChatID: q.Message.Chat.ID, UserID: ownerID}
	msgID := q.Message.MessageID
	sess := h.sessions.Get(key)

	h.ui.Update(key, func(st *uiState) {
		st.MessageID = msgID
		switch action {
		case "menu":
			if len(args) >= 1 {
				st.Menu = args[0]
			}
		case "style", "mode", "lang", "close":
			st.Menu = menuMain
		}
	})

	answer := "OK"
	switch action {
	case "style":
		if len(args) >= 1 {
			style, err := prompt.ParseStyle(args[0])
			if err == nil {
				err = sess.SetStyle(style)
			}
			if errors.Is(err, generation.ErrBusy) {
				answer = "Đang tạo ảnh, không thể đổi phong cách."
			} else if err == nil {
				answer = "Phong cách: " + style.Name()
			}
		}
	case "mode":
		if len(args) >= 1 {
			if mode, err := session.ParseMode(args[0]); err == nil {
				_ = sess.SetMode(mode)
				answer = modeText(mode)
			}
		}
	case "lang":
		if len(args) >= 1 {
			if lang, err := prompt.ParseLanguage(args[0]); err == nil {
				sess.SetLanguage(lang)
				answer = "Ngôn ngữ: " + string(lang)
			}
		}
	case "field":
		if len(args) >= 1 {
			field := args[0]
			h.ui.Update(key, func(st *uiState) {
				st.clearAwaiting()
				st.AwaitingField = field
			})
			_ = h.tg.AnswerCallback(q.ID, "Nhập giá trị…", false)
			return h.tg.SendText(key.ChatID, fmt.Sprintf("✏️ Nhập giá trị cho %s (%s).\n/cancel để huỷ.", field, prompt.Hint(field)))
		}
	case "notes":
		h.ui.Update(key, func(st *uiState) {
			st.clearAwaiting()
			st.AwaitingNotes = true
		})
		_ = h.tg.AnswerCallback(q.ID, "Nhập ghi chú…", false)
		return h.tg.SendText(key.ChatID, "📝 Gửi ghi chú thêm cho prompt (/cancel để huỷ).")
	case "analyze":
		_ = h.tg.AnswerCallback(q.ID, "Đang phân tích…", false)
		return h.analyze(ctx, key, sess)
	case "prompt":
		_ = h.tg.AnswerCallback(q.ID, "Prompt…", false)
		return h.showPrompt(key, sess)
	case "generate":
		_ = h.tg.AnswerCallback(q.ID, "Đang tạo ảnh…", false)
		return h.generate(ctx, key, sess)
	case "cancel":
		_ = h.tg.AnswerCallback(q.ID, "Đang huỷ…", false)
		return h.cancel(key, sess)
	case "reset":
		if err := sess.Reset(); err != nil {
			answer = "Đang tạo ảnh, hãy huỷ trước."
		} else {
			answer = "Đã xoá dữ liệu."
		}
	case "close":
		h.ui.Update(key, func(st *uiState) { st.clearAwaiting() })
	}

	_ = h.tg.AnswerCallback(q.ID, answer, false)
	if action == "close" {
		return h.tg.EditText(key.ChatID, msgID, menuText(sess.View()))
	}
	return h.renderMenu(key, msgID, "", true)
}

// sendMenu sends text followed by the menu keyboard as a new message.
func (h *Handler) sendMenu(key session.Key, text string) error {
	return h.renderMenu(key, 0, text, false)
}

func (h *Handler) renderMenu(key session.Key, messageID int, head string, edit bool) error {
	sess := h.sessions.Get(key)
	st := h.ui.Get(key)
	if messageID == 0 {
		messageID = st.MessageID
	}

	v := sess.View()
	text := menuText(v)
	if head != "" {
		text = head + "\n\n" + text
	}
	kb := menuKeyboard(key.UserID, st, v)

	if edit && messageID != 0 {
		if err := h.tg.EditTextWithKeyboard(key.ChatID, messageID, text, kb); err == nil {
			return nil
		}
	}

	msgID, err := h.tg.SendTextWithKeyboard(key.ChatID, text, kb)
	if err != nil {
		return err
	}
	h.ui.Update(key, func(st *uiState) { st.MessageID = msgID })
	return nil
}

func menuText(v session.View) string {
	values := v.Values()
	required := prompt.Required(v.Style)
	filled := len(required) - len(prompt.Missing(v.Style, values))

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Phong cách: %s\n", v.Style.Name()))
	b.WriteString(fmt.Sprintf("Chế độ: %s\n", v.Mode))
	b.WriteString(fmt.Sprintf("Trường bắt buộc: %d/%d\n", filled, len(required)))
	b.WriteString(fmt.Sprintf("Ngôn ngữ: %s\n", v.Language))
	if v.AspectRatio != "" {
		b.WriteString(fmt.Sprintf("Tỉ lệ: %s\n", v.AspectRatio))
	}
	if v.Mode == session.ModeManual {
		if strings.TrimSpace(v.ManualText) == "" {
			b.WriteString("Mô tả: (trống)\n")
		} else {
			b.WriteString("Mô tả: " + truncateLine(v.ManualText, 80) + "\n")
		}
	}
	if strings.TrimSpace(v.Notes) != "" {
		b.WriteString("Ghi chú: " + truncateLine(v.Notes, 80) + "\n")
	}
	b.WriteString(fmt.Sprintf("Trạng thái: %s\n", v.Generation.State))
	return strings.TrimSpace(b.String())
}

func menuKeyboard(ownerID int64, st uiState, v session.View) tgbotapi.InlineKeyboardMarkup {
	switch st.Menu {
	case menuStyle:
		return styleKeyboard(ownerID, v)
	case menuMode:
		return modeKeyboard(ownerID, v)
	case menuFields:
		return fieldsKeyboard(ownerID, v)
	case menuLang:
		return langKeyboard(ownerID, v)
	default:
		return mainKeyboard(ownerID, v)
	}
}

func mainKeyboard(ownerID int64, v session.View) tgbotapi.InlineKeyboardMarkup {
	action := tgbotapi.NewInlineKeyboardButtonData("🎨 Generate", cb(ownerID, "generate"))
	if v.Generation.State.Busy() {
		action = tgbotapi.NewInlineKeyboardButtonData("🛑 Cancel", cb(ownerID, "cancel"))
	}

	return tgbotapi.NewInlineKeyboardMarkup(
		[]tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("Style: "+v.Style.Name(), cb(ownerID, "menu", menuStyle)),
			tgbotapi.NewInlineKeyboardButtonData("Mode: "+string(v.Mode), cb(ownerID, "menu", menuMode)),
		},
		[]tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("Fields", cb(ownerID, "menu", menuFields)),
			tgbotapi.NewInlineKeyboardButtonData("Lang: "+string(v.Language), cb(ownerID, "menu", menuLang)),
		},
		[]tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("Notes", cb(ownerID, "notes")),
			tgbotapi.NewInlineKeyboardButtonData("📄 Prompt", cb(ownerID, "prompt")),
		},
		[]tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("🔍 Analyze", cb(ownerID, "analyze")),
			action,
		},
		[]tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("Reset", cb(ownerID, "reset")),
			tgbotapi.NewInlineKeyboardButtonData("Close", cb(ownerID, "close")),
		},
	)
}

func styleKeyboard(ownerID int64, v session.View) tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	for _, opt := range prompt.Styles() {
		label := opt.Name
		if prompt.Style(opt.Key) == v.Style {
			label = "✅ " + label
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, "style", opt.Key)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row, backRow(ownerID))
}

func modeKeyboard(ownerID int64, v session.View) tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	for _, m := range []session.Mode{session.ModeForm, session.ModeManual} {
		label := string(m)
		if m == v.Mode {
			label = "✅ " + label
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, "mode", string(m))))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row, backRow(ownerID))
}

func langKeyboard(ownerID int64, v session.View) tgbotapi.InlineKeyboardMarkup {
	var row []tgbotapi.InlineKeyboardButton
	for _, l := range []struct {
		key  string
		lang prompt.Language
	}{{"vi", prompt.Vietnamese}, {"en", prompt.English}} {
		label := string(l.lang)
		if l.lang == v.Language {
			label = "✅ " + label
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, "lang", l.key)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row, backRow(ownerID))
}

func fieldsKeyboard(ownerID int64, v session.View) tgbotapi.InlineKeyboardMarkup {
	values := v.Values()

	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, f := range prompt.Fields(v.Style) {
		label := f
		if prompt.IsRequired(v.Style, f) {
			label += "*"
		}
		if strings.TrimSpace(values[f]) != "" {
			label = "✅ " + label
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, cb(ownerID, "field", f)))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	rows = append(rows, backRow(ownerID))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func cancelKeyboard(ownerID int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		[]tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData("🛑 Cancel", cb(ownerID, "cancel")),
		},
	)
}

func backRow(ownerID int64) []tgbotapi.InlineKeyboardButton {
	return []tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardButtonData("⬅ Back", cb(ownerID, "menu", menuMain)),
	}
}

func cb(ownerID int64, parts ...string) string {
	return fmt.Sprintf("%s:%d:%s", callbackPrefix, ownerID, strings.Join(parts, ":"))
}

func modeText(m session.Mode) string {
	if m == session.ModeManual {
		return "✍️ Chế độ manual: gửi mô tả tự do, rồi /analyze."
	}
	return "📋 Chế độ form: gửi `trường: giá trị` hoặc dùng /set."
}

func fieldsText(v session.View) string {
	values := v.Values()

	var b strings.Builder
	b.WriteString(fmt.Sprintf("📋 Trường của %s (* bắt buộc):\n", v.Style.Name()))
	for _, f := range prompt.Fields(v.Style) {
		mark := " "
		if prompt.IsRequired(v.Style, f) {
			mark = "*"
		}
		value := strings.TrimSpace(values[f])
		if value == "" {
			value = "· " + prompt.Hint(f)
		}
		b.WriteString(fmt.Sprintf("%s %s: %s\n", mark, f, value))
	}
	if miss := prompt.Missing(v.Style, values); len(miss) > 0 {
		b.WriteString("\nCòn thiếu: " + strings.Join(miss, ", "))
	} else {
		b.WriteString("\n✅ Đủ trường bắt buộc.")
	}
	return strings.TrimSpace(b.String())
}

func analysisText(v session.View, notes []string) string {
	var b strings.Builder
	b.WriteString("🔍 Phân tích\n")
	if v.Mode == session.ModeManual && !v.Extraction.Empty() {
		labels := make([]string, 0, len(v.Extraction.Fields))
		for label := range v.Extraction.Fields {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			line := fmt.Sprintf("• %s: %s", label, v.Extraction.Fields[label])
			if score, ok := v.Extraction.Scores[label]; ok {
				line += fmt.Sprintf(" (%.2f)", score)
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}
	for _, n := range notes {
		b.WriteString("– " + noteText(n) + "\n")
	}
	return strings.TrimSpace(b.String())
}

func noteText(note string) string {
	switch note {
	case session.NoteNoText:
		return "Chưa nhập mô tả."
	case session.NoteAllPresent:
		return "Đủ trường bắt buộc theo phong cách."
	}
	if field, ok := session.MissingField(note); ok {
		return "Thiếu trường bắt buộc: " + field
	}
	return note
}

func missingText(err *prompt.ValidationError) string {
	var b strings.Builder
	b.WriteString("❌ Thiếu trường bắt buộc:\n")
	for _, f := range err.Missing {
		b.WriteString(fmt.Sprintf("• %s (%s)\n", f, prompt.Hint(f)))
	}
	b.WriteString("\nDùng /set trường=giá trị hoặc menu Fields.")
	return b.String()
}

func statusText(v session.View) string {
	st := v.Generation
	var b strings.Builder
	b.WriteString(menuText(v))
	switch st.State {
	case generation.Active, generation.Requesting:
		b.WriteString(fmt.Sprintf("\nTiến độ: %.0f%%", st.Progress.Percent))
	case generation.Failed:
		if st.Err != nil {
			b.WriteString("\nLỗi: " + st.Err.Error())
		}
	}
	if v.ComposedPrompt != "" {
		b.WriteString("\n\nPrompt:\n" + truncateLine(v.ComposedPrompt, 300))
	}
	return b.String()
}
