package line

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"taskline/app/core/bot"
	"taskline/app/core/schedule"
	"taskline/app/core/store"
	"taskline/app/pkg/types"
)

// Renderer builds flex message payloads for the dispatcher's cards.
type Renderer struct{}

func NewRenderer() Renderer {
	return Renderer{}
}

var _ bot.Renderer = Renderer{}

// Bubble and component templates. Dynamic fields are filled with sjson so
// user text is always properly escaped.
const (
	bubbleTemplate = `{"type":"bubble","body":{"type":"box","layout":"vertical","spacing":"md","contents":[]}}`

	carouselTemplate = `{"type":"carousel","contents":[]}`

	titleTemplate = `{"type":"text","text":"","weight":"bold","size":"lg","wrap":true}`

	lineTemplate = `{"type":"text","text":"","size":"sm","color":"#555555","wrap":true}`

	buttonTemplate = `{"type":"button","height":"sm","style":"secondary","action":{"type":"postback","label":"","data":""}}`

	datePickerTemplate = `{"type":"button","height":"sm","style":"primary","action":{"type":"datetimepicker","label":"","data":"","mode":"date","min":""}}`

	timePickerTemplate = `{"type":"button","height":"sm","style":"primary","action":{"type":"datetimepicker","label":"","data":"","mode":"time"}}`
)

const buttonLabelMax = 20

func (Renderer) NamePrompt(hint string, suggestions []string) types.Message {
	b := newBubble(hint)
	for _, s := range suggestions {
		b.addButton(s, "select_task_name_"+s, "secondary")
	}
	b.addLine("也可以直接輸入名稱")
	b.addButton("取消", "cancel_add_task", "secondary")
	return b.message(hint)
}

func (Renderer) TimePrompt(hint string, suggestions []string) types.Message {
	b := newBubble(hint)
	for _, s := range suggestions {
		b.addButton(s, "select_time_"+s, "secondary")
	}
	b.addLine("也可以直接輸入，例如「1.5小時」")
	b.addButton("取消", "cancel_add_task", "secondary")
	return b.message(hint)
}

func (Renderer) TypePrompt(hint string, suggestions []string) types.Message {
	b := newBubble(hint)
	for _, s := range suggestions {
		b.addButton(s, "select_type_"+s, "secondary")
	}
	b.addLine("也可以直接輸入類型")
	b.addButton("取消", "cancel_add_task", "secondary")
	return b.message(hint)
}

func (Renderer) DuePrompt(hint string, today string) types.Message {
	b := newBubble(hint)
	b.addDatePicker("選擇截止日", "select_task_due", today)
	b.addButton("不設定截止日", "no_due_date", "secondary")
	b.addButton("取消", "cancel_add_task", "secondary")
	return b.message(hint)
}

func (Renderer) ConfirmCard(temp store.TempTask) types.Message {
	b := newBubble("確認新增這項作業嗎？")
	b.addLine("📖 " + temp.Task)
	if temp.EstimatedTime != nil {
		b.addLine("⏱ 預估 " + store.FormatHours(*temp.EstimatedTime))
	}
	b.addLine("🏷 " + temp.Category)
	if temp.Due != "" {
		b.addLine("📅 截止 " + temp.Due)
	}
	b.addButton("確認新增", "confirm_add_task", "primary")
	b.addButton("取消", "cancel_add_task", "secondary")
	return b.message("確認新增作業")
}

func (Renderer) TaskCarousel(tasks []store.Task) types.Message {
	car := carouselTemplate
	for i, t := range tasks {
		b := newBubble(taskTitle(t))
		b.addLine("⏱ 預估 " + store.FormatHours(t.EstimatedTime))
		b.addLine("🏷 " + t.Category)
		if t.Due != "" {
			b.addLine("📅 截止 " + t.Due)
		}
		if !t.Done {
			b.addButton("完成", fmt.Sprintf("mark_done_%d", i), "primary")
		}
		car, _ = sjson.SetRaw(car, "contents.-1", b.raw())
	}
	return types.NewFlex("作業清單", json.RawMessage(car))
}

func (Renderer) BatchSelectCarousel(tasks []store.Task, selected []int) types.Message {
	picked := make(map[int]bool, len(selected))
	for _, idx := range selected {
		picked[idx] = true
	}

	car := carouselTemplate
	for i, t := range tasks {
		if t.Done {
			continue
		}
		title := t.Task
		label := "選取"
		if picked[i] {
			title = "✅ " + title
			label = "取消選取"
		}
		b := newBubble(title)
		b.addLine("⏱ 預估 " + store.FormatHours(t.EstimatedTime))
		b.addButton(label, fmt.Sprintf("toggle_select_%d", i), "secondary")
		car, _ = sjson.SetRaw(car, "contents.-1", b.raw())
	}

	done := newBubble("完成選取的作業")
	done.addLine(fmt.Sprintf("已選取 %d 項", len(selected)))
	done.addButton("全部標記完成", "confirm_batch_complete", "primary")
	car, _ = sjson.SetRaw(car, "contents.-1", done.raw())

	return types.NewFlex("選擇要完成的作業", json.RawMessage(car))
}

func (Renderer) ClearOptions(kind bot.ClearKind) types.Message {
	title, all, sel, cancel := clearVocabulary(kind)
	b := newBubble(title)
	b.addButton("全部清除", all, "primary")
	b.addButton("逐一選擇", sel, "secondary")
	b.addButton("取消", cancel, "secondary")
	return b.message(title)
}

func (Renderer) ClearSelectCarousel(kind bot.ClearKind, indices []int, tasks []store.Task) types.Message {
	prefix := "delete_completed_"
	if kind == bot.ClearKindExpired {
		prefix = "delete_expired_"
	}

	car := carouselTemplate
	for _, idx := range indices {
		t := tasks[idx]
		b := newBubble(t.Task)
		if t.Due != "" {
			b.addLine("📅 截止 " + t.Due)
		}
		b.addButton("刪除", fmt.Sprintf("%s%d", prefix, idx), "primary")
		car, _ = sjson.SetRaw(car, "contents.-1", b.raw())
	}
	return types.NewFlex("選擇要刪除的作業", json.RawMessage(car))
}

func (Renderer) RemindTimeCard(remindTime, addTaskRemindTime string) types.Message {
	b := newBubble("設定每日提醒")
	b.addLine("🔔 未完成作業提醒：" + remindTime)
	b.addLine("📝 記錄作業提醒：" + addTaskRemindTime)
	b.addTimePicker("選擇提醒時間", "select_remind_time")
	b.addButton("取消", "cancel_set_remind", "secondary")
	return b.message("設定每日提醒")
}

func (Renderer) TimetableCard(plan schedule.Plan) types.Message {
	b := newBubble("📅 今日讀書計畫")
	for _, block := range plan.Blocks {
		text := fmt.Sprintf("%s ~ %s｜%s", block.Start, block.End, block.Task)
		if block.Emoji != "" {
			text = block.Emoji + " " + text
		}
		b.addLine(text)
	}
	b.addLine(fmt.Sprintf("✅ 總時長 %s", store.FormatHours(plan.TotalHours)))
	return b.message("今日讀書計畫")
}

// --- builders ---

type bubble struct {
	doc string
}

func newBubble(title string) *bubble {
	b := &bubble{doc: bubbleTemplate}
	t, _ := sjson.Set(titleTemplate, "text", title)
	b.append(t)
	return b
}

func (b *bubble) addLine(text string) {
	l, _ := sjson.Set(lineTemplate, "text", text)
	b.append(l)
}

func (b *bubble) addButton(label, data, style string) {
	btn, _ := sjson.Set(buttonTemplate, "action.label", truncateLabel(label))
	btn, _ = sjson.Set(btn, "action.data", data)
	btn, _ = sjson.Set(btn, "style", style)
	b.append(btn)
}

func (b *bubble) addDatePicker(label, data, min string) {
	btn, _ := sjson.Set(datePickerTemplate, "action.label", label)
	btn, _ = sjson.Set(btn, "action.data", data)
	btn, _ = sjson.Set(btn, "action.min", min)
	b.append(btn)
}

func (b *bubble) addTimePicker(label, data string) {
	btn, _ := sjson.Set(timePickerTemplate, "action.label", label)
	btn, _ = sjson.Set(btn, "action.data", data)
	b.append(btn)
}

func (b *bubble) append(component string) {
	b.doc, _ = sjson.SetRaw(b.doc, "body.contents.-1", component)
}

func (b *bubble) raw() string {
	return b.doc
}

func (b *bubble) message(altText string) types.Message {
	return types.NewFlex(altText, json.RawMessage(b.doc))
}

func taskTitle(t store.Task) string {
	if t.Done {
		return "✅ " + t.Task
	}
	return t.Task
}

// truncateLabel keeps button labels inside the platform's 20-character cap.
func truncateLabel(s string) string {
	runes := []rune(s)
	if len(runes) <= buttonLabelMax {
		return s
	}
	return string(runes[:buttonLabelMax-1]) + "…"
}

func clearVocabulary(kind bot.ClearKind) (title, all, sel, cancel string) {
	if kind == bot.ClearKindExpired {
		return "要清除過期的作業嗎？", "clear_expired_all", "clear_expired_select", "cancel_clear_expired"
	}
	return "要清除已完成的作業嗎？", "clear_completed_all", "clear_completed_select", "cancel_clear_completed"
}
