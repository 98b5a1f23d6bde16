package llm

import (
	"context"
	"strings"
)

// Intent is the classified purpose of an inbound text message.
type Intent string

const (
	IntentAddTask             Intent = "add_task"
	IntentAddTaskNatural      Intent = "add_task_natural"
	IntentViewTask            Intent = "view_task"
	IntentCompleteTask        Intent = "complete_task"
	IntentCompleteTaskNatural Intent = "complete_task_natural"
	IntentSetReminder         Intent = "set_reminder"
	IntentClearCompleted      Intent = "clear_completed"
	IntentClearExpired        Intent = "clear_expired"
	IntentShowSchedule        Intent = "show_schedule"
	IntentUnknown             Intent = "unknown"
)

const classifySystemPrompt = `你是待辦事項助理的意圖分類器。判斷使用者訊息的意圖，只回覆下列其中一個標籤，不要任何其他文字：

add_task - 想新增作業但訊息中沒有作業內容
add_task_natural - 訊息本身已包含作業內容（名稱、時間或日期）
view_task - 想查看作業清單
complete_task - 想標記作業完成但沒有指明哪一項
complete_task_natural - 訊息指明要完成哪一項作業
set_reminder - 想設定提醒時間
clear_completed - 想清除已完成的作業
clear_expired - 想清除過期的作業
show_schedule - 想要今日讀書計畫
unknown - 以上皆非`

// Classify maps an inbound text to one tag of the closed intent set. Any
// response outside the set becomes IntentUnknown.
func (c *Client) Classify(ctx context.Context, text string) (Intent, error) {
	raw, err := c.complete(ctx, classifySystemPrompt, text)
	if err != nil {
		return IntentUnknown, err
	}
	return normalizeIntent(raw), nil
}

var knownIntents = map[Intent]bool{
	IntentAddTask:             true,
	IntentAddTaskNatural:      true,
	IntentViewTask:            true,
	IntentCompleteTask:        true,
	IntentCompleteTaskNatural: true,
	IntentSetReminder:         true,
	IntentClearCompleted:      true,
	IntentClearExpired:        true,
	IntentShowSchedule:        true,
}

func normalizeIntent(raw string) Intent {
	tag := strings.ToLower(strings.TrimSpace(raw))
	tag = strings.Trim(tag, "`\"'.。 \n")
	if intent := Intent(tag); knownIntents[intent] {
		return intent
	}
	return IntentUnknown
}
