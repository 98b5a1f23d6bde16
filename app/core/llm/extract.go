package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"taskline/app/pkg/clock"
)

// Draft is a partially extracted task. Absent fields stay at their zero or
// nil value; the caller decides whether to launch a fill-in dialogue.
type Draft struct {
	Task          string
	EstimatedTime *float64
	Category      string
	Due           string
}

const extractSystemPrompt = `你是待辦事項助理的作業擷取器。從使用者訊息中擷取作業資訊，回覆一個 JSON 物件，格式如下，不要任何其他文字：

{"task": "作業名稱", "estimated_time": 小時數字, "category": "分類", "due": "YYYY-MM-DD"}

規則：
- task 必填；其他欄位不確定時填 null
- estimated_time 以小時為單位，可以是小數（例如「三小時」是 3，「半小時」是 0.5）
- category 從以下選擇最接近的：閱讀、寫作、程式、報告、考試、其他
- due 必須是 YYYY-MM-DD；相對日期（明天、下週一、N天後、MM月DD日）以今天 %s（%s）為基準換算
- 訊息中沒有日期時 due 填 null`

var weekdayNames = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

// Extract parses a chat message into a task draft. Relative date phrases
// resolve against the supplied today. Returns nil when no task can be
// recognised in the model output.
func (c *Client) Extract(ctx context.Context, text string, today time.Time) (*Draft, error) {
	system := fmt.Sprintf(extractSystemPrompt,
		today.Format(clock.DateLayout), weekdayNames[today.Weekday()])
	raw, err := c.complete(ctx, system, text)
	if err != nil {
		return nil, err
	}
	return parseDraft(raw), nil
}

// parseDraft attempts a direct JSON parse, then retries on the first
// balanced {...} substring, then gives up.
func parseDraft(raw string) *Draft {
	doc, ok := parseObject(raw)
	if !ok {
		candidate := firstJSONObject(raw)
		if candidate == "" {
			return nil
		}
		if doc, ok = parseObject(candidate); !ok {
			return nil
		}
	}

	name := strings.TrimSpace(doc.Get("task").String())
	if name == "" {
		return nil
	}

	draft := &Draft{Task: name}
	if est := doc.Get("estimated_time"); est.Exists() && est.Type != gjson.Null {
		if hours := est.Float(); hours > 0 {
			draft.EstimatedTime = &hours
		}
	}
	if cat := doc.Get("category"); cat.Type == gjson.String {
		draft.Category = strings.TrimSpace(cat.String())
	}
	if due := doc.Get("due"); due.Type == gjson.String {
		if d := strings.TrimSpace(due.String()); isDate(d) {
			draft.Due = d
		}
	}
	return draft
}

// Complete reports whether every field required for direct creation is set.
func (d *Draft) Complete() bool {
	return d != nil && d.Task != "" && d.EstimatedTime != nil && d.Category != ""
}

func parseObject(raw string) (gjson.Result, bool) {
	raw = strings.TrimSpace(raw)
	if !gjson.Valid(raw) {
		return gjson.Result{}, false
	}
	doc := gjson.Parse(raw)
	return doc, doc.IsObject()
}

func firstJSONObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

func isDate(s string) bool {
	_, err := time.Parse(clock.DateLayout, s)
	return err == nil
}
