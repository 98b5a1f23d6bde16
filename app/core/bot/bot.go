package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskline/app/core/dialogue"
	"taskline/app/core/llm"
	"taskline/app/core/schedule"
	"taskline/app/core/store"
	"taskline/app/pkg/clock"
	"taskline/app/pkg/logger"
	"taskline/app/pkg/types"
)

// Store is the user-store surface the dispatcher needs.
type Store interface {
	dialogue.Store
	GetState(ctx context.Context, userID string) (store.DialogueState, error)
	GetTasks(ctx context.Context, userID string) ([]store.Task, error)
	MarkDone(ctx context.Context, userID string, idx int) (store.Task, error)
	RemoveTask(ctx context.Context, userID string, idx int) (store.Task, error)
	ClearCompleted(ctx context.Context, userID string) (int, error)
	ClearExpired(ctx context.Context, userID string, today string) (int, error)
	ToggleBatchSelection(ctx context.Context, userID string, idx int) (bool, int, error)
	GetBatchSelection(ctx context.Context, userID string) ([]int, error)
	BatchComplete(ctx context.Context, userID string, indices []int) (int, error)
	CountCompletedSince(ctx context.Context, userID string, since string) (int, int, error)
	GetRemindTime(ctx context.Context, userID string) (string, error)
	SaveRemindTime(ctx context.Context, userID string, t string) error
	GetAddTaskRemindTime(ctx context.Context, userID string) (string, error)
	TouchMeta(ctx context.Context, userID string) error
}

// Model is the language-model surface: intent classification, task
// extraction and schedule generation.
type Model interface {
	Classify(ctx context.Context, text string) (llm.Intent, error)
	Extract(ctx context.Context, text string, today time.Time) (*llm.Draft, error)
	GenerateSchedule(ctx context.Context, tasks []store.Task, now time.Time, availableHours float64) (string, error)
}

// ClearKind selects which bulk-clear family a card belongs to.
type ClearKind int

const (
	ClearKindCompleted ClearKind = iota
	ClearKindExpired
)

// Renderer builds the rich card payloads. The bot only decides the
// semantic content; layout belongs to the channel.
type Renderer interface {
	NamePrompt(hint string, suggestions []string) types.Message
	TimePrompt(hint string, suggestions []string) types.Message
	TypePrompt(hint string, suggestions []string) types.Message
	DuePrompt(hint string, today string) types.Message
	ConfirmCard(temp store.TempTask) types.Message
	TaskCarousel(tasks []store.Task) types.Message
	BatchSelectCarousel(tasks []store.Task, selected []int) types.Message
	ClearOptions(kind ClearKind) types.Message
	ClearSelectCarousel(kind ClearKind, indices []int, tasks []store.Task) types.Message
	RemindTimeCard(remindTime, addTaskRemindTime string) types.Message
	TimetableCard(plan schedule.Plan) types.Message
}

// Fixed user-facing vocabulary.
const (
	msgTryLater       = "系統忙碌中，請稍後再試 🙏"
	msgTaskNotFound   = "找不到該作業"
	msgNoTasks        = "目前沒有任何作業 🎉"
	msgAllDone        = "所有作業都完成了 🎉"
	msgScheduleFailed = "排程產生失敗，請稍後再試 🙏"
	msgCancelled      = "已取消"
	msgHelp           = "我可以幫你管理作業 📚\n・輸入「新增作業」開始新增\n・輸入「查看作業」看看清單\n・輸入「今日計畫」排讀書時間\n・輸入「週報」看本週完成狀況"
)

const weeklyReportCommand = "週報"

// Bot routes inbound events to handlers and produces reply payloads.
// Events for the same user are serialised by an in-process keyed lock.
type Bot struct {
	store   Store
	model   Model
	machine *dialogue.Machine
	render  Renderer
	now     func() time.Time

	locks sync.Map // user id -> *sync.Mutex
}

type Option func(*Bot)

// WithNow overrides the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Bot) { b.now = now }
}

func New(s Store, model Model, render Renderer, opts ...Option) *Bot {
	b := &Bot{
		store:   s,
		model:   model,
		machine: dialogue.NewMachine(s),
		render:  render,
		now:     clock.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HandleEvent processes one inbound delivery end to end and returns the
// reply messages. It always returns at least one message.
func (b *Bot) HandleEvent(ctx context.Context, ev types.Event) []types.Message {
	unlock := b.lock(ev.UserID)
	defer unlock()

	logger.Info("[Bot] req=%s user=%s event=%s", ev.RequestID, ev.UserID, ev.Type)

	if err := b.store.TouchMeta(ctx, ev.UserID); err != nil {
		logger.Error("[Bot] req=%s user=%s touch meta: %v", ev.RequestID, ev.UserID, err)
	}

	switch ev.Type {
	case types.EventTypePostback:
		return b.handleCallback(ctx, ev)
	case types.EventTypeText:
		return b.handleText(ctx, ev)
	default:
		return []types.Message{types.NewText(msgHelp)}
	}
}

func (b *Bot) lock(userID string) func() {
	v, _ := b.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// --- text routing ---

func (b *Bot) handleText(ctx context.Context, ev types.Event) []types.Message {
	userID := ev.UserID
	text := strings.TrimSpace(ev.Text)

	state, err := b.store.GetState(ctx, userID)
	if err != nil {
		return b.fail(userID, "get state", err)
	}

	// mid-dialogue text answers the current prompt; classification is
	// skipped entirely
	if state != store.StateNone {
		reply, err := b.machine.HandleText(ctx, userID, state, text)
		if err != nil {
			return b.fail(userID, "dialogue text", err)
		}
		return b.renderDialogue(reply)
	}

	if text == weeklyReportCommand {
		return b.handleWeeklyReport(ctx, userID)
	}

	intent, err := b.model.Classify(ctx, text)
	if err != nil {
		return b.fail(userID, "classify", err)
	}

	switch intent {
	case llm.IntentAddTask:
		return b.startDialogue(ctx, userID)
	case llm.IntentAddTaskNatural:
		return b.handleNaturalAdd(ctx, userID, text)
	case llm.IntentViewTask:
		return b.handleViewTasks(ctx, userID)
	case llm.IntentCompleteTask:
		return b.handleCompletePicker(ctx, userID)
	case llm.IntentCompleteTaskNatural:
		return b.handleNaturalComplete(ctx, userID, text)
	case llm.IntentSetReminder:
		return b.handleRemindTimeCard(ctx, userID)
	case llm.IntentClearCompleted:
		return []types.Message{b.render.ClearOptions(ClearKindCompleted)}
	case llm.IntentClearExpired:
		return []types.Message{b.render.ClearOptions(ClearKindExpired)}
	case llm.IntentShowSchedule:
		return b.handleShowSchedule(ctx, userID)
	default:
		return []types.Message{types.NewText(msgHelp)}
	}
}

// --- callback routing ---

func (b *Bot) handleCallback(ctx context.Context, ev types.Event) []types.Message {
	userID := ev.UserID
	cb := ParseCallback(ev.PostbackData)

	switch cb.Kind {
	case CbAddTask:
		return b.startDialogue(ctx, userID)
	case CbSelectTaskName:
		return b.dialogueStep(userID, func() (dialogue.Reply, error) {
			return b.machine.SelectName(ctx, userID, cb.Value)
		})
	case CbSelectTime:
		return b.dialogueStep(userID, func() (dialogue.Reply, error) {
			return b.machine.SelectTime(ctx, userID, cb.Hours)
		})
	case CbSelectType:
		return b.dialogueStep(userID, func() (dialogue.Reply, error) {
			return b.machine.SelectType(ctx, userID, cb.Value)
		})
	case CbSelectTaskDue:
		date := ev.PostbackParams.Date
		if date == "" {
			return []types.Message{b.render.DuePrompt("請從日曆選擇日期", b.today())}
		}
		return b.dialogueStep(userID, func() (dialogue.Reply, error) {
			return b.machine.SelectDue(ctx, userID, date)
		})
	case CbNoDueDate:
		return b.dialogueStep(userID, func() (dialogue.Reply, error) {
			return b.machine.SkipDue(ctx, userID)
		})
	case CbConfirmAddTask:
		return b.dialogueStep(userID, func() (dialogue.Reply, error) {
			return b.machine.Confirm(ctx, userID)
		})
	case CbCancelAddTask:
		return b.dialogueStep(userID, func() (dialogue.Reply, error) {
			return b.machine.Cancel(ctx, userID)
		})

	case CbViewTasks:
		return b.handleViewTasks(ctx, userID)
	case CbCompleteTask:
		return b.handleCompletePicker(ctx, userID)
	case CbMarkDone:
		return b.handleMarkDone(ctx, userID, cb.Index)
	case CbToggleSelect:
		return b.handleToggleSelect(ctx, userID, cb.Index)
	case CbConfirmBatchComplete:
		return b.handleBatchComplete(ctx, userID)

	case CbSetRemindTime:
		return b.handleRemindTimeCard(ctx, userID)
	case CbSelectRemindTime:
		return b.handleSelectRemindTime(ctx, userID, ev.PostbackParams.Time)
	case CbCancelSetRemind:
		return []types.Message{types.NewText(msgCancelled)}

	case CbClearCompleted:
		return []types.Message{b.render.ClearOptions(ClearKindCompleted)}
	case CbClearCompletedAll:
		return b.handleClearAll(ctx, userID, ClearKindCompleted)
	case CbClearCompletedSelect:
		return b.handleClearSelect(ctx, userID, ClearKindCompleted)
	case CbDeleteCompleted:
		return b.handleDeleteMatching(ctx, userID, ClearKindCompleted, cb.Index)
	case CbCancelClearCompleted:
		return []types.Message{types.NewText(msgCancelled)}

	case CbClearExpired:
		return []types.Message{b.render.ClearOptions(ClearKindExpired)}
	case CbClearExpiredAll:
		return b.handleClearAll(ctx, userID, ClearKindExpired)
	case CbClearExpiredSelect:
		return b.handleClearSelect(ctx, userID, ClearKindExpired)
	case CbDeleteExpired:
		return b.handleDeleteMatching(ctx, userID, ClearKindExpired, cb.Index)
	case CbCancelClearExpired:
		return []types.Message{types.NewText(msgCancelled)}

	case CbShowSchedule:
		return b.handleShowSchedule(ctx, userID)
	default:
		return []types.Message{types.NewText(msgHelp)}
	}
}

// --- handlers ---

func (b *Bot) startDialogue(ctx context.Context, userID string) []types.Message {
	return b.dialogueStep(userID, func() (dialogue.Reply, error) {
		return b.machine.Start(ctx, userID)
	})
}

func (b *Bot) dialogueStep(userID string, step func() (dialogue.Reply, error)) []types.Message {
	reply, err := step()
	if err != nil {
		return b.fail(userID, "dialogue", err)
	}
	return b.renderDialogue(reply)
}

func (b *Bot) renderDialogue(reply dialogue.Reply) []types.Message {
	switch reply.Kind {
	case dialogue.ReplyNamePrompt:
		return []types.Message{b.render.NamePrompt(reply.Text, reply.Suggestions)}
	case dialogue.ReplyTimePrompt:
		return []types.Message{b.render.TimePrompt(reply.Text, reply.Suggestions)}
	case dialogue.ReplyTypePrompt:
		return []types.Message{b.render.TypePrompt(reply.Text, reply.Suggestions)}
	case dialogue.ReplyDuePrompt:
		return []types.Message{b.render.DuePrompt(reply.Text, b.today())}
	case dialogue.ReplyConfirm:
		return []types.Message{b.render.ConfirmCard(reply.Temp)}
	default:
		return []types.Message{types.NewText(reply.Text)}
	}
}

// handleNaturalAdd extracts a task from free text. A complete draft is
// appended directly; a partial one seeds the dialogue.
func (b *Bot) handleNaturalAdd(ctx context.Context, userID, text string) []types.Message {
	draft, err := b.model.Extract(ctx, text, b.now())
	if err != nil {
		return b.fail(userID, "extract", err)
	}
	if draft == nil {
		return b.startDialogue(ctx, userID)
	}

	if draft.Complete() {
		task := store.Task{
			Task:          draft.Task,
			EstimatedTime: *draft.EstimatedTime,
			Category:      draft.Category,
			Due:           draft.Due,
		}
		if err := b.store.UpdateTaskHistory(ctx, userID, task.Task, task.Category, task.EstimatedTime); err != nil {
			return b.fail(userID, "update history", err)
		}
		if err := b.store.AppendTask(ctx, userID, task); err != nil {
			return b.fail(userID, "append task", err)
		}
		text := fmt.Sprintf("✅ 已新增作業「%s」（預估 %.1f 小時）", task.Task, task.EstimatedTime)
		if task.Due != "" {
			text += fmt.Sprintf("，截止日 %s", task.Due)
		}
		return []types.Message{types.NewText(text)}
	}

	temp := store.TempTask{
		Task:          draft.Task,
		EstimatedTime: draft.EstimatedTime,
		Category:      draft.Category,
		Due:           draft.Due,
	}
	return b.dialogueStep(userID, func() (dialogue.Reply, error) {
		return b.machine.StartWithDraft(ctx, userID, temp)
	})
}

func (b *Bot) handleViewTasks(ctx context.Context, userID string) []types.Message {
	tasks, err := b.store.GetTasks(ctx, userID)
	if err != nil {
		return b.fail(userID, "get tasks", err)
	}
	if len(tasks) == 0 {
		return []types.Message{types.NewText(msgNoTasks)}
	}
	return []types.Message{b.render.TaskCarousel(tasks)}
}

func (b *Bot) handleCompletePicker(ctx context.Context, userID string) []types.Message {
	tasks, err := b.store.GetTasks(ctx, userID)
	if err != nil {
		return b.fail(userID, "get tasks", err)
	}
	if !hasUndone(tasks) {
		if len(tasks) > 0 {
			return []types.Message{types.NewText(msgAllDone)}
		}
		return []types.Message{types.NewText(msgNoTasks)}
	}
	selected, err := b.store.GetBatchSelection(ctx, userID)
	if err != nil {
		return b.fail(userID, "get selection", err)
	}
	return []types.Message{b.render.BatchSelectCarousel(tasks, selected)}
}

func (b *Bot) handleMarkDone(ctx context.Context, userID string, idx int) []types.Message {
	task, err := b.store.MarkDone(ctx, userID, idx)
	if errors.Is(err, store.ErrNotFound) {
		return []types.Message{types.NewText(msgTaskNotFound)}
	}
	if err != nil {
		return b.fail(userID, "mark done", err)
	}
	return []types.Message{types.NewText(fmt.Sprintf("🎉 已完成「%s」！", task.Task))}
}

func (b *Bot) handleNaturalComplete(ctx context.Context, userID, text string) []types.Message {
	draft, err := b.model.Extract(ctx, text, b.now())
	if err != nil {
		return b.fail(userID, "extract", err)
	}
	if draft == nil || draft.Task == "" {
		return b.handleCompletePicker(ctx, userID)
	}

	tasks, err := b.store.GetTasks(ctx, userID)
	if err != nil {
		return b.fail(userID, "get tasks", err)
	}
	for i, t := range tasks {
		if t.Done {
			continue
		}
		if strings.Contains(t.Task, draft.Task) || strings.Contains(draft.Task, t.Task) {
			return b.handleMarkDone(ctx, userID, i)
		}
	}
	return []types.Message{types.NewText(msgTaskNotFound)}
}

func (b *Bot) handleToggleSelect(ctx context.Context, userID string, idx int) []types.Message {
	tasks, err := b.store.GetTasks(ctx, userID)
	if err != nil {
		return b.fail(userID, "get tasks", err)
	}
	if idx >= len(tasks) {
		return []types.Message{types.NewText(msgTaskNotFound)}
	}
	if _, _, err := b.store.ToggleBatchSelection(ctx, userID, idx); err != nil {
		return b.fail(userID, "toggle selection", err)
	}
	selected, err := b.store.GetBatchSelection(ctx, userID)
	if err != nil {
		return b.fail(userID, "get selection", err)
	}
	return []types.Message{b.render.BatchSelectCarousel(tasks, selected)}
}

func (b *Bot) handleBatchComplete(ctx context.Context, userID string) []types.Message {
	selected, err := b.store.GetBatchSelection(ctx, userID)
	if err != nil {
		return b.fail(userID, "get selection", err)
	}
	if len(selected) == 0 {
		return []types.Message{types.NewText("請先點選要完成的作業")}
	}
	count, err := b.store.BatchComplete(ctx, userID, selected)
	if err != nil {
		return b.fail(userID, "batch complete", err)
	}
	return []types.Message{types.NewText(fmt.Sprintf("🎉 已完成 %d 項作業！", count))}
}

func (b *Bot) handleRemindTimeCard(ctx context.Context, userID string) []types.Message {
	remindTime, err := b.store.GetRemindTime(ctx, userID)
	if err != nil {
		return b.fail(userID, "get remind time", err)
	}
	addTaskRemindTime, err := b.store.GetAddTaskRemindTime(ctx, userID)
	if err != nil {
		return b.fail(userID, "get add-task remind time", err)
	}
	return []types.Message{b.render.RemindTimeCard(remindTime, addTaskRemindTime)}
}

func (b *Bot) handleSelectRemindTime(ctx context.Context, userID, t string) []types.Message {
	if t == "" {
		return []types.Message{types.NewText("請從時間選單選擇提醒時間")}
	}
	if err := b.store.SaveRemindTime(ctx, userID, t); err != nil {
		return b.fail(userID, "save remind time", err)
	}
	return []types.Message{types.NewText(fmt.Sprintf("⏰ 已設定提醒時間為 %s", t))}
}

func (b *Bot) handleClearAll(ctx context.Context, userID string, kind ClearKind) []types.Message {
	var count int
	var err error
	if kind == ClearKindCompleted {
		count, err = b.store.ClearCompleted(ctx, userID)
	} else {
		count, err = b.store.ClearExpired(ctx, userID, b.today())
	}
	if err != nil {
		return b.fail(userID, "bulk clear", err)
	}
	return []types.Message{types.NewText(fmt.Sprintf("🧹 已清除 %d 項作業", count))}
}

func (b *Bot) handleClearSelect(ctx context.Context, userID string, kind ClearKind) []types.Message {
	tasks, err := b.store.GetTasks(ctx, userID)
	if err != nil {
		return b.fail(userID, "get tasks", err)
	}
	indices := matchingIndices(tasks, kind, b.today())
	if len(indices) == 0 {
		return []types.Message{types.NewText("沒有符合的作業")}
	}
	return []types.Message{b.render.ClearSelectCarousel(kind, indices, tasks)}
}

func (b *Bot) handleDeleteMatching(ctx context.Context, userID string, kind ClearKind, idx int) []types.Message {
	tasks, err := b.store.GetTasks(ctx, userID)
	if err != nil {
		return b.fail(userID, "get tasks", err)
	}
	// a stale button may point at a renumbered or already-removed task
	if idx >= len(tasks) || !matches(tasks[idx], kind, b.today()) {
		return []types.Message{types.NewText(msgTaskNotFound)}
	}
	removed, err := b.store.RemoveTask(ctx, userID, idx)
	if errors.Is(err, store.ErrNotFound) {
		return []types.Message{types.NewText(msgTaskNotFound)}
	}
	if err != nil {
		return b.fail(userID, "remove task", err)
	}
	return []types.Message{types.NewText(fmt.Sprintf("🗑️ 已刪除「%s」", removed.Task))}
}

func (b *Bot) handleShowSchedule(ctx context.Context, userID string) []types.Message {
	tasks, err := b.store.GetTasks(ctx, userID)
	if err != nil {
		return b.fail(userID, "get tasks", err)
	}
	if !hasUndone(tasks) {
		if len(tasks) > 0 {
			return []types.Message{types.NewText(msgAllDone)}
		}
		return []types.Message{types.NewText(msgNoTasks)}
	}

	now := b.now()
	available := llm.RemainingHours(now)
	raw, err := b.model.GenerateSchedule(ctx, tasks, now, available)
	if err != nil {
		logger.Error("[Bot] user=%s generate schedule: %v", userID, err)
		return []types.Message{types.NewText(msgScheduleFailed)}
	}
	plan, err := schedule.Parse(raw)
	if err != nil {
		logger.Error("[Bot] user=%s parse schedule: %v", userID, err)
		return []types.Message{types.NewText(msgScheduleFailed)}
	}
	plan.FlagOverBudget(available)

	text := raw
	if plan.OverBudget {
		text += fmt.Sprintf("\n\n⚠️ 總時長 %.1f 小時超過今天可用的 %.1f 小時，記得取捨！", plan.TotalHours, available)
	}
	return []types.Message{types.NewText(text), b.render.TimetableCard(plan)}
}

func (b *Bot) handleWeeklyReport(ctx context.Context, userID string) []types.Message {
	since := b.now().AddDate(0, 0, -6).Format(clock.DateLayout)
	completed, total, err := b.store.CountCompletedSince(ctx, userID, since)
	if err != nil {
		return b.fail(userID, "weekly report", err)
	}
	return []types.Message{types.NewText(
		fmt.Sprintf("📊 最近 7 天完成了 %d 項作業（目前清單共 %d 項），繼續加油！", completed, total))}
}

// --- helpers ---

func (b *Bot) fail(userID, op string, err error) []types.Message {
	logger.Error("[Bot] user=%s %s: %v", userID, op, err)
	return []types.Message{types.NewText(msgTryLater)}
}

func (b *Bot) today() string {
	return b.now().Format(clock.DateLayout)
}

func hasUndone(tasks []store.Task) bool {
	for _, t := range tasks {
		if !t.Done {
			return true
		}
	}
	return false
}

func matches(t store.Task, kind ClearKind, today string) bool {
	if kind == ClearKindCompleted {
		return t.Done
	}
	return !t.Done && t.Due != "" && t.Due < today
}

func matchingIndices(tasks []store.Task, kind ClearKind, today string) []int {
	var indices []int
	for i, t := range tasks {
		if matches(t, kind, today) {
			indices = append(indices, i)
		}
	}
	return indices
}
