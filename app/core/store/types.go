package store

import (
	"math"
	"strconv"
)

// Task is one homework entry. Position in the task list is its only
// identity; completion never renumbers.
type Task struct {
	Task          string  `json:"task"`
	EstimatedTime float64 `json:"estimated_time"`
	Category      string  `json:"category"`
	Due           string  `json:"due,omitempty"`
	Done          bool    `json:"done"`
	CompletedAt   string  `json:"completed_at,omitempty"`
}

// TempTask is the scratchpad accumulated during an add-task dialogue.
// Pointer fields distinguish "not answered yet" from zero values.
type TempTask struct {
	Task          string   `json:"task,omitempty"`
	EstimatedTime *float64 `json:"estimated_time,omitempty"`
	Category      string   `json:"category,omitempty"`
	Due           string   `json:"due,omitempty"`
}

// DialogueState is the stored tag for the step of the add-task flow that is
// awaiting input. Empty means no dialogue is active.
type DialogueState string

const (
	StateNone      DialogueState = ""
	StateAwaitName DialogueState = "awaiting_task_name"
	StateAwaitTime DialogueState = "awaiting_task_time"
	StateAwaitType DialogueState = "awaiting_task_type"
	StateAwaitDue  DialogueState = "awaiting_task_due"
)

// History holds the three capped recent-choice sequences used to populate
// one-tap suggestion buttons.
type History struct {
	Names []string `json:"names,omitempty"`
	Types []string `json:"types,omitempty"`
	Times []string `json:"times,omitempty"`
}

const historyCap = 10

// Preference defaults written back on first read.
const (
	DefaultRemindTime        = "08:00"
	DefaultAddTaskRemindTime = "17:00"
)

// FormatHours renders an hour count for history storage, e.g. "2.0小時".
// One decimal is kept unless it would lose precision.
func FormatHours(h float64) string {
	if math.Round(h*10) == h*10 {
		return strconv.FormatFloat(h, 'f', 1, 64) + "小時"
	}
	return strconv.FormatFloat(h, 'f', -1, 64) + "小時"
}

// appendCapped appends v if absent, dropping the oldest entry past the cap.
func appendCapped(seq []string, v string) []string {
	for _, existing := range seq {
		if existing == v {
			return seq
		}
	}
	seq = append(seq, v)
	if len(seq) > historyCap {
		seq = seq[len(seq)-historyCap:]
	}
	return seq
}
