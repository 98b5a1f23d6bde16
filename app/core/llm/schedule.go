package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskline/app/core/store"
	"taskline/app/pkg/clock"
)

const scheduleSystemPrompt = `你是讀書計畫助理。根據使用者未完成的作業清單，安排今天剩餘時間的讀書計畫。

輸出格式（每行一項，依時間排序）：
1. 🕘 09:00 ~ 10:30｜作業名稱｜分類 (90分鐘)

規則：
- 只排未完成的作業，截止日近的優先
- 適度安排休息與用餐時間
- 總時數不可超過可用時數
- 最後一行輸出：✅ 今日總時長：N 小時
- 除了計畫行與總時長，可以加一小段說明`

// GenerateSchedule asks the model for a daily plan over the undone tasks.
// availableHours is the remaining study budget for today.
func (c *Client) GenerateSchedule(ctx context.Context, tasks []store.Task, now time.Time, availableHours float64) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "現在時間：%s（%s）\n", now.Format("2006-01-02 15:04"), weekdayNames[now.Weekday()])
	fmt.Fprintf(&b, "今天可用時數:%.1f 小時\n", availableHours)
	b.WriteString("未完成作業:\n")
	for _, t := range tasks {
		if t.Done {
			continue
		}
		fmt.Fprintf(&b, "- %s（預估 %.1f 小時", t.Task, t.EstimatedTime)
		if t.Category != "" {
			fmt.Fprintf(&b, "，分類:%s", t.Category)
		}
		if t.Due != "" {
			fmt.Fprintf(&b, "，截止:%s", t.Due)
		}
		b.WriteString("）\n")
	}
	return c.complete(ctx, scheduleSystemPrompt, b.String())
}

// RemainingHours is the default availability window: from now until 22:00,
// floored at zero.
func RemainingHours(now time.Time) float64 {
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 22, 0, 0, 0, clock.Location)
	remaining := endOfDay.Sub(now).Hours()
	if remaining < 0 {
		return 0
	}
	return remaining
}
