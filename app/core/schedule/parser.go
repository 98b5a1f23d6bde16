package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoBlocks is returned when nothing in the model output looks like a
// plan line.
var ErrNoBlocks = errors.New("schedule: no blocks recognised")

// DefaultCategory labels blocks whose line carries no category segment.
const DefaultCategory = "未分類"

// Block is one contiguous entry of a day schedule.
type Block struct {
	Start           string // HH:MM, normalised mod 24
	End             string // HH:MM, normalised mod 24
	Task            string
	DurationMinutes int
	Category        string
	Emoji           string
}

// Plan is the parsed timetable.
type Plan struct {
	Blocks     []Block
	TotalHours float64
	// OverBudget is set by FlagOverBudget; the plan is still usable.
	OverBudget bool
}

// Primary shape: "1. 🕘 09:00 ~ 10:30｜作業系統｜閱讀 (90分鐘)". Emoji,
// category and the explicit duration are each optional.
var primaryLine = regexp.MustCompile(
	`^\s*\d+\.\s*([^\s0-9:：｜|~～-]*)\s*(\d{1,2}):(\d{2})\s*[~\-～]\s*(\d{1,2}):(\d{2})\s*[｜|]\s*(.+?)\s*(?:[（(]\s*(\d+)\s*分鐘\s*[）)])?\s*$`)

// Fallback shape: any "HH:MM ~ HH:MM｜task" fragment on the line.
var fallbackLine = regexp.MustCompile(
	`(\d{1,2}):(\d{2})\s*[~\-～]\s*(\d{1,2}):(\d{2})\s*[｜|]\s*(\S.*)`)

var totalMarker = regexp.MustCompile(`今日總時長\s*[:：]\s*([0-9]+(?:\.[0-9]+)?)`)

// Parse turns the model's free-text plan into an ordered, time-validated
// timetable. The explicit total marker is preferred; otherwise the total is
// summed from block durations.
func Parse(text string) (Plan, error) {
	var plan Plan
	for _, line := range strings.Split(text, "\n") {
		if block, ok := parseLine(line); ok {
			plan.Blocks = append(plan.Blocks, block)
		}
	}
	if len(plan.Blocks) == 0 {
		return Plan{}, ErrNoBlocks
	}

	if m := totalMarker.FindStringSubmatch(text); m != nil {
		total, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			plan.TotalHours = total
			return plan, nil
		}
	}
	sum := 0
	for _, b := range plan.Blocks {
		sum += b.DurationMinutes
	}
	plan.TotalHours = float64(sum) / 60
	return plan, nil
}

// FlagOverBudget marks the plan when it exceeds the available-hours budget.
func (p *Plan) FlagOverBudget(availableHours float64) {
	p.OverBudget = p.TotalHours > availableHours+1e-9
}

func parseLine(line string) (Block, bool) {
	if m := primaryLine.FindStringSubmatch(line); m != nil {
		return buildBlock(m[1], m[2], m[3], m[4], m[5], m[6], m[7]), true
	}
	if m := fallbackLine.FindStringSubmatch(line); m != nil {
		return buildBlock("", m[1], m[2], m[3], m[4], m[5], ""), true
	}
	return Block{}, false
}

func buildBlock(emoji, startH, startM, endH, endM, taskField, explicit string) Block {
	sh, _ := strconv.Atoi(startH)
	sm, _ := strconv.Atoi(startM)
	eh, _ := strconv.Atoi(endH)
	em, _ := strconv.Atoi(endM)

	startMin := sh*60 + sm
	endMin := eh*60 + em

	duration := 0
	if explicit != "" {
		duration, _ = strconv.Atoi(explicit)
	} else {
		duration = endMin - startMin
		// end before start textually means the block crosses midnight
		if duration < 0 {
			duration += 24 * 60
		}
	}

	task := strings.TrimSpace(taskField)
	category := DefaultCategory
	if idx := strings.IndexAny(task, "｜|"); idx >= 0 {
		category = strings.TrimSpace(task[idx:])
		category = strings.TrimSpace(strings.TrimLeft(category, "｜|"))
		task = strings.TrimSpace(task[:idx])
		if category == "" {
			category = DefaultCategory
		}
	}

	return Block{
		Start:           formatMinute(startMin),
		End:             formatMinute(endMin),
		Task:            task,
		DurationMinutes: duration,
		Category:        category,
		Emoji:           strings.TrimSpace(emoji),
	}
}

// formatMinute renders a minute-of-day as HH:MM, wrapping hours past 24.
func formatMinute(min int) string {
	h := (min / 60) % 24
	m := min % 60
	return fmt.Sprintf("%02d:%02d", h, m)
}

// FormatLine renders a block in the canonical numbered line format.
func FormatLine(i int, b Block) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d. ", i+1)
	if b.Emoji != "" {
		sb.WriteString(b.Emoji)
		sb.WriteString(" ")
	}
	fmt.Fprintf(&sb, "%s ~ %s｜%s｜%s (%d分鐘)", b.Start, b.End, b.Task, b.Category, b.DurationMinutes)
	return sb.String()
}
