package dialogue

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"taskline/app/core/store"
	"taskline/app/pkg/logger"
)

// Store is the slice of the user store the dialogue machine drives.
type Store interface {
	SaveState(ctx context.Context, userID string, state store.DialogueState) error
	ClearState(ctx context.Context, userID string) error
	GetTempTask(ctx context.Context, userID string) (store.TempTask, error)
	SaveTempTask(ctx context.Context, userID string, temp store.TempTask) error
	ClearTempTask(ctx context.Context, userID string) error
	GetHistory(ctx context.Context, userID string) (store.History, error)
	UpdateTaskHistory(ctx context.Context, userID, name, category string, hours float64) error
	AppendTask(ctx context.Context, userID string, t store.Task) error
}

// ReplyKind tells the caller which prompt card (or plain text) to render.
type ReplyKind int

const (
	ReplyText ReplyKind = iota
	ReplyNamePrompt
	ReplyTimePrompt
	ReplyTypePrompt
	ReplyDuePrompt
	ReplyConfirm
)

// Reply is the semantic outcome of one dialogue transition.
type Reply struct {
	Kind        ReplyKind
	Text        string       // plain text, or the prompt card's question
	Suggestions []string     // one-tap choices for the prompt cards
	Temp        store.TempTask // summary payload for the confirm card
	Created     *store.Task  // set when a confirmation appended a task
}

const suggestionCap = 3

// Default prompt questions. Re-prompts replace them with a corrective
// hint; a prompt card never goes out without a title.
const (
	nameQuestion = "今天要做什麼作業呢？"
	timeQuestion = "預估要花多久呢？"
	typeQuestion = "是哪一類作業呢？"
	dueQuestion  = "什麼時候要交呢？"
)

// Machine drives the per-user add-task flow. Each transition reads and
// writes the user's state/temp_task branches explicitly; the last writer
// wins across interleaved deliveries.
type Machine struct {
	store Store
}

func NewMachine(s Store) *Machine {
	return &Machine{store: s}
}

// Start begins a fresh add-task flow, discarding any stale scratchpad.
func (m *Machine) Start(ctx context.Context, userID string) (Reply, error) {
	if err := m.store.SaveTempTask(ctx, userID, store.TempTask{}); err != nil {
		return Reply{}, err
	}
	if err := m.store.SaveState(ctx, userID, store.StateAwaitName); err != nil {
		return Reply{}, err
	}
	return m.namePrompt(ctx, userID, "")
}

// StartWithDraft begins the flow with extractor output pre-populated and
// jumps to the first missing field.
func (m *Machine) StartWithDraft(ctx context.Context, userID string, temp store.TempTask) (Reply, error) {
	if err := m.store.SaveTempTask(ctx, userID, temp); err != nil {
		return Reply{}, err
	}
	return m.advance(ctx, userID, temp, "")
}

// HandleText consumes free text as the answer to the prompt recorded in
// state. Intent classification has already been skipped by the caller.
func (m *Machine) HandleText(ctx context.Context, userID string, state store.DialogueState, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	temp, err := m.store.GetTempTask(ctx, userID)
	if err != nil {
		return Reply{}, err
	}

	switch state {
	case store.StateAwaitName:
		if text == "" {
			return m.namePrompt(ctx, userID, "請輸入作業名稱")
		}
		temp.Task = text
		return m.saveAndAdvance(ctx, userID, temp)

	case store.StateAwaitTime:
		hours, ok := ParseHours(text)
		if !ok {
			// invalid number re-prompts without a state change
			return m.timePrompt(ctx, userID, "請輸入正確的數字（小時），例如 1.5")
		}
		temp.EstimatedTime = &hours
		return m.saveAndAdvance(ctx, userID, temp)

	case store.StateAwaitType:
		if text == "" {
			return m.typePrompt(ctx, userID, "請輸入作業分類")
		}
		temp.Category = text
		return m.saveAndAdvance(ctx, userID, temp)

	case store.StateAwaitDue:
		// The due step and the pending confirm card both store this
		// state. With a full scratchpad, text re-renders the confirm
		// card; otherwise the date prompt.
		if tempComplete(temp) {
			return Reply{Kind: ReplyConfirm, Temp: temp}, nil
		}
		return Reply{Kind: ReplyDuePrompt, Text: dueQuestion}, nil
	}

	return Reply{}, fmt.Errorf("dialogue: unexpected state %q", state)
}

// SelectName applies a one-tap name suggestion.
func (m *Machine) SelectName(ctx context.Context, userID, name string) (Reply, error) {
	return m.setField(ctx, userID, func(temp *store.TempTask) {
		temp.Task = name
	})
}

// SelectTime applies a one-tap hour suggestion.
func (m *Machine) SelectTime(ctx context.Context, userID string, hours float64) (Reply, error) {
	return m.setField(ctx, userID, func(temp *store.TempTask) {
		temp.EstimatedTime = &hours
	})
}

// SelectType applies a category choice.
func (m *Machine) SelectType(ctx context.Context, userID, category string) (Reply, error) {
	return m.setField(ctx, userID, func(temp *store.TempTask) {
		temp.Category = category
	})
}

// SelectDue applies the date-picker result and moves to confirmation.
func (m *Machine) SelectDue(ctx context.Context, userID, date string) (Reply, error) {
	return m.setField(ctx, userID, func(temp *store.TempTask) {
		temp.Due = date
	})
}

// SkipDue leaves the due date unset and moves to confirmation.
func (m *Machine) SkipDue(ctx context.Context, userID string) (Reply, error) {
	temp, err := m.store.GetTempTask(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	temp.Due = ""
	if err := m.store.SaveTempTask(ctx, userID, temp); err != nil {
		return Reply{}, err
	}
	return Reply{Kind: ReplyConfirm, Temp: temp}, nil
}

// Confirm validates the scratchpad and appends the task. Missing required
// fields abort the flow; a store failure keeps state and scratchpad so the
// user can retry.
func (m *Machine) Confirm(ctx context.Context, userID string) (Reply, error) {
	temp, err := m.store.GetTempTask(ctx, userID)
	if err != nil {
		return Reply{}, err
	}

	if !tempComplete(temp) {
		if err := m.reset(ctx, userID); err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyText, Text: "❌ 作業資料不完整，請重新輸入「新增作業」開始"}, nil
	}

	task := store.Task{
		Task:          temp.Task,
		EstimatedTime: *temp.EstimatedTime,
		Category:      temp.Category,
		Due:           temp.Due,
		Done:          false,
	}
	// append first; a failed append must leave the suggestion rings
	// untouched. Once the task exists the history update is best-effort,
	// since failing here would invite a duplicating retry.
	if err := m.store.AppendTask(ctx, userID, task); err != nil {
		return Reply{}, err
	}
	if err := m.store.UpdateTaskHistory(ctx, userID, task.Task, task.Category, task.EstimatedTime); err != nil {
		logger.Error("[Dialogue] user=%s update history: %v", userID, err)
	}
	if err := m.reset(ctx, userID); err != nil {
		return Reply{}, err
	}

	text := fmt.Sprintf("✅ 已新增作業「%s」（預估 %s）", task.Task, strings.TrimSuffix(store.FormatHours(task.EstimatedTime), "小時")+" 小時")
	if task.Due != "" {
		text += fmt.Sprintf("，截止日 %s", task.Due)
	}
	return Reply{Kind: ReplyText, Text: text, Created: &task}, nil
}

// Cancel aborts the flow from any state. It always succeeds from the
// user's point of view.
func (m *Machine) Cancel(ctx context.Context, userID string) (Reply, error) {
	if err := m.reset(ctx, userID); err != nil {
		return Reply{}, err
	}
	return Reply{Kind: ReplyText, Text: "已取消本次新增作業"}, nil
}

func (m *Machine) reset(ctx context.Context, userID string) error {
	if err := m.store.ClearTempTask(ctx, userID); err != nil {
		return err
	}
	return m.store.ClearState(ctx, userID)
}

func (m *Machine) setField(ctx context.Context, userID string, apply func(*store.TempTask)) (Reply, error) {
	temp, err := m.store.GetTempTask(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	apply(&temp)
	return m.saveAndAdvance(ctx, userID, temp)
}

func (m *Machine) saveAndAdvance(ctx context.Context, userID string, temp store.TempTask) (Reply, error) {
	if err := m.store.SaveTempTask(ctx, userID, temp); err != nil {
		return Reply{}, err
	}
	return m.advance(ctx, userID, temp, "")
}

// advance stores the state for the first missing field and returns its
// prompt. A complete scratchpad goes to the confirm card.
func (m *Machine) advance(ctx context.Context, userID string, temp store.TempTask, hint string) (Reply, error) {
	switch {
	case temp.Task == "":
		if err := m.store.SaveState(ctx, userID, store.StateAwaitName); err != nil {
			return Reply{}, err
		}
		return m.namePrompt(ctx, userID, hint)
	case temp.EstimatedTime == nil:
		if err := m.store.SaveState(ctx, userID, store.StateAwaitTime); err != nil {
			return Reply{}, err
		}
		return m.timePrompt(ctx, userID, hint)
	case temp.Category == "":
		if err := m.store.SaveState(ctx, userID, store.StateAwaitType); err != nil {
			return Reply{}, err
		}
		return m.typePrompt(ctx, userID, hint)
	case temp.Due == "":
		if err := m.store.SaveState(ctx, userID, store.StateAwaitDue); err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyDuePrompt, Text: orDefault(hint, dueQuestion)}, nil
	default:
		if err := m.store.SaveState(ctx, userID, store.StateAwaitDue); err != nil {
			return Reply{}, err
		}
		return Reply{Kind: ReplyConfirm, Temp: temp}, nil
	}
}

func (m *Machine) namePrompt(ctx context.Context, userID, hint string) (Reply, error) {
	h, err := m.store.GetHistory(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Kind: ReplyNamePrompt, Text: orDefault(hint, nameQuestion), Suggestions: recent(h.Names)}, nil
}

func (m *Machine) timePrompt(ctx context.Context, userID, hint string) (Reply, error) {
	h, err := m.store.GetHistory(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Kind: ReplyTimePrompt, Text: orDefault(hint, timeQuestion), Suggestions: recent(h.Times)}, nil
}

func (m *Machine) typePrompt(ctx context.Context, userID, hint string) (Reply, error) {
	h, err := m.store.GetHistory(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Kind: ReplyTypePrompt, Text: orDefault(hint, typeQuestion), Suggestions: recent(h.Types)}, nil
}

// recent keeps the most recent suggestions, newest last.
func recent(seq []string) []string {
	if len(seq) <= suggestionCap {
		return append([]string(nil), seq...)
	}
	return append([]string(nil), seq[len(seq)-suggestionCap:]...)
}

func orDefault(hint, def string) string {
	if hint == "" {
		return def
	}
	return hint
}

func tempComplete(temp store.TempTask) bool {
	return temp.Task != "" && temp.EstimatedTime != nil && *temp.EstimatedTime > 0 && temp.Category != ""
}

// ParseHours parses a positive hour count from free text. A trailing
// "小時" is tolerated.
func ParseHours(text string) (float64, bool) {
	s := strings.TrimSpace(text)
	s = strings.TrimSuffix(s, "小時")
	s = strings.TrimSpace(s)
	hours, err := strconv.ParseFloat(s, 64)
	if err != nil || hours <= 0 {
		return 0, false
	}
	return hours, true
}
