package bot

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"taskline/app/core/llm"
	"taskline/app/core/schedule"
	"taskline/app/core/store"
	"taskline/app/pkg/logger"
	"taskline/app/pkg/types"
)

var botNow = time.Date(2025, 6, 10, 9, 0, 0, 0, time.FixedZone("UTC+8", 8*3600))

// fakeStore is an in-memory user store covering the dispatcher surface.
type fakeStore struct {
	state     map[string]store.DialogueState
	temp      map[string]store.TempTask
	history   map[string]store.History
	tasks     map[string][]store.Task
	selection map[string][]int
	remind    map[string]string
	addRemind map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state:     map[string]store.DialogueState{},
		temp:      map[string]store.TempTask{},
		history:   map[string]store.History{},
		tasks:     map[string][]store.Task{},
		selection: map[string][]int{},
		remind:    map[string]string{},
		addRemind: map[string]string{},
	}
}

func (f *fakeStore) SaveState(_ context.Context, uid string, s store.DialogueState) error {
	f.state[uid] = s
	return nil
}
func (f *fakeStore) ClearState(_ context.Context, uid string) error { delete(f.state, uid); return nil }
func (f *fakeStore) GetState(_ context.Context, uid string) (store.DialogueState, error) {
	return f.state[uid], nil
}
func (f *fakeStore) GetTempTask(_ context.Context, uid string) (store.TempTask, error) {
	return f.temp[uid], nil
}
func (f *fakeStore) SaveTempTask(_ context.Context, uid string, t store.TempTask) error {
	f.temp[uid] = t
	return nil
}
func (f *fakeStore) ClearTempTask(_ context.Context, uid string) error {
	delete(f.temp, uid)
	return nil
}
func (f *fakeStore) GetHistory(_ context.Context, uid string) (store.History, error) {
	return f.history[uid], nil
}
func (f *fakeStore) UpdateTaskHistory(_ context.Context, uid, name, category string, hours float64) error {
	h := f.history[uid]
	h.Names = append(h.Names, name)
	h.Types = append(h.Types, category)
	h.Times = append(h.Times, store.FormatHours(hours))
	f.history[uid] = h
	return nil
}
func (f *fakeStore) AppendTask(_ context.Context, uid string, t store.Task) error {
	f.tasks[uid] = append(f.tasks[uid], t)
	return nil
}
func (f *fakeStore) GetTasks(_ context.Context, uid string) ([]store.Task, error) {
	return f.tasks[uid], nil
}
func (f *fakeStore) MarkDone(_ context.Context, uid string, idx int) (store.Task, error) {
	tasks := f.tasks[uid]
	if idx < 0 || idx >= len(tasks) {
		return store.Task{}, fmt.Errorf("%w: task index %d", store.ErrNotFound, idx)
	}
	tasks[idx].Done = true
	return tasks[idx], nil
}
func (f *fakeStore) RemoveTask(_ context.Context, uid string, idx int) (store.Task, error) {
	tasks := f.tasks[uid]
	if idx < 0 || idx >= len(tasks) {
		return store.Task{}, fmt.Errorf("%w: task index %d", store.ErrNotFound, idx)
	}
	removed := tasks[idx]
	f.tasks[uid] = append(tasks[:idx:idx], tasks[idx+1:]...)
	return removed, nil
}
func (f *fakeStore) ClearCompleted(_ context.Context, uid string) (int, error) {
	return f.clear(uid, func(t store.Task) bool { return t.Done })
}
func (f *fakeStore) ClearExpired(_ context.Context, uid string, today string) (int, error) {
	return f.clear(uid, func(t store.Task) bool { return !t.Done && t.Due != "" && t.Due < today })
}
func (f *fakeStore) clear(uid string, match func(store.Task) bool) (int, error) {
	var kept []store.Task
	removed := 0
	for _, t := range f.tasks[uid] {
		if match(t) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	f.tasks[uid] = kept
	return removed, nil
}
func (f *fakeStore) ToggleBatchSelection(_ context.Context, uid string, idx int) (bool, int, error) {
	sel := f.selection[uid]
	for i, v := range sel {
		if v == idx {
			f.selection[uid] = append(sel[:i:i], sel[i+1:]...)
			return false, len(f.selection[uid]), nil
		}
	}
	f.selection[uid] = append(sel, idx)
	return true, len(f.selection[uid]), nil
}
func (f *fakeStore) GetBatchSelection(_ context.Context, uid string) ([]int, error) {
	return f.selection[uid], nil
}
func (f *fakeStore) BatchComplete(_ context.Context, uid string, indices []int) (int, error) {
	tasks := f.tasks[uid]
	count := 0
	for _, idx := range indices {
		if idx < 0 || idx >= len(tasks) || tasks[idx].Done {
			continue
		}
		tasks[idx].Done = true
		tasks[idx].CompletedAt = botNow.Format("2006-01-02 15:04:05")
		count++
	}
	delete(f.selection, uid)
	return count, nil
}
func (f *fakeStore) CountCompletedSince(_ context.Context, uid string, since string) (int, int, error) {
	completed := 0
	for _, t := range f.tasks[uid] {
		if t.Done && t.CompletedAt >= since {
			completed++
		}
	}
	return completed, len(f.tasks[uid]), nil
}
func (f *fakeStore) GetRemindTime(_ context.Context, uid string) (string, error) {
	if f.remind[uid] == "" {
		f.remind[uid] = store.DefaultRemindTime
	}
	return f.remind[uid], nil
}
func (f *fakeStore) SaveRemindTime(_ context.Context, uid string, t string) error {
	f.remind[uid] = t
	return nil
}
func (f *fakeStore) GetAddTaskRemindTime(_ context.Context, uid string) (string, error) {
	if f.addRemind[uid] == "" {
		f.addRemind[uid] = store.DefaultAddTaskRemindTime
	}
	return f.addRemind[uid], nil
}
func (f *fakeStore) TouchMeta(context.Context, string) error { return nil }

// fakeModel scripts the three adapters.
type fakeModel struct {
	intent     llm.Intent
	classified int
	draft      *llm.Draft
	plan       string
	planErr    error
}

func (f *fakeModel) Classify(context.Context, string) (llm.Intent, error) {
	f.classified++
	return f.intent, nil
}
func (f *fakeModel) Extract(context.Context, string, time.Time) (*llm.Draft, error) {
	return f.draft, nil
}
func (f *fakeModel) GenerateSchedule(context.Context, []store.Task, time.Time, float64) (string, error) {
	return f.plan, f.planErr
}

// fakeRenderer tags each card kind as a text message so tests can assert
// on which card was produced.
type fakeRenderer struct{}

func card(name string, args ...interface{}) types.Message {
	return types.NewText("card:" + name + " " + fmt.Sprint(args...))
}

func (fakeRenderer) NamePrompt(hint string, s []string) types.Message { return card("name", hint, s) }
func (fakeRenderer) TimePrompt(hint string, s []string) types.Message { return card("time", hint, s) }
func (fakeRenderer) TypePrompt(hint string, s []string) types.Message { return card("type", hint, s) }
func (fakeRenderer) DuePrompt(hint, today string) types.Message       { return card("due", hint, today) }
func (fakeRenderer) ConfirmCard(temp store.TempTask) types.Message    { return card("confirm", temp.Task) }
func (fakeRenderer) TaskCarousel(tasks []store.Task) types.Message    { return card("carousel", len(tasks)) }
func (fakeRenderer) BatchSelectCarousel(tasks []store.Task, selected []int) types.Message {
	return card("batch", len(tasks), selected)
}
func (fakeRenderer) ClearOptions(kind ClearKind) types.Message { return card("clear-options", kind) }
func (fakeRenderer) ClearSelectCarousel(kind ClearKind, indices []int, _ []store.Task) types.Message {
	return card("clear-select", kind, indices)
}
func (fakeRenderer) RemindTimeCard(remind, addRemind string) types.Message {
	return card("remind", remind, addRemind)
}
func (fakeRenderer) TimetableCard(plan schedule.Plan) types.Message {
	return card("timetable", len(plan.Blocks))
}

func newTestBot(fs *fakeStore, fm *fakeModel) *Bot {
	return New(fs, fm, fakeRenderer{}, WithNow(func() time.Time { return botNow }))
}

func textEvent(text string) types.Event {
	return types.Event{Type: types.EventTypeText, UserID: "u1", ReplyToken: "rt", Text: text}
}

func postbackEvent(data string) types.Event {
	return types.Event{Type: types.EventTypePostback, UserID: "u1", ReplyToken: "rt", PostbackData: data}
}

func TestStructuredAddEndToEnd(t *testing.T) {
	fs := newFakeStore()
	fm := &fakeModel{}
	b := newTestBot(fs, fm)
	ctx := context.Background()

	b.HandleEvent(ctx, postbackEvent("add_task"))
	b.HandleEvent(ctx, textEvent("作業系統"))
	b.HandleEvent(ctx, postbackEvent("select_time_2"))
	b.HandleEvent(ctx, postbackEvent("select_type_閱讀"))
	b.HandleEvent(ctx, postbackEvent("no_due_date"))
	msgs := b.HandleEvent(ctx, postbackEvent("confirm_add_task"))

	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "作業系統") {
		t.Fatalf("unexpected confirmation reply: %+v", msgs)
	}

	tasks := fs.tasks["u1"]
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
	want := store.Task{Task: "作業系統", EstimatedTime: 2.0, Category: "閱讀"}
	if tasks[0] != want {
		t.Fatalf("unexpected task: %+v", tasks[0])
	}
	h := fs.history["u1"]
	if len(h.Names) != 1 || h.Names[0] != "作業系統" || h.Times[0] != "2.0小時" || h.Types[0] != "閱讀" {
		t.Fatalf("unexpected history: %+v", h)
	}
	if fm.classified != 0 {
		t.Fatalf("classification must be skipped during the dialogue, ran %d times", fm.classified)
	}
}

func TestMidDialogueTextSkipsClassification(t *testing.T) {
	fs := newFakeStore()
	fm := &fakeModel{intent: llm.IntentViewTask}
	b := newTestBot(fs, fm)
	ctx := context.Background()

	b.HandleEvent(ctx, postbackEvent("add_task"))
	msgs := b.HandleEvent(ctx, textEvent("查看作業"))

	if fm.classified != 0 {
		t.Fatal("mid-dialogue text must answer the prompt, not be classified")
	}
	if !strings.HasPrefix(msgs[0].Text, "card:time") {
		t.Fatalf("text should advance the dialogue to the time prompt, got %q", msgs[0].Text)
	}
}

func TestNaturalAddCompleteDraftAppendsDirectly(t *testing.T) {
	fs := newFakeStore()
	hours := 3.0
	fm := &fakeModel{
		intent: llm.IntentAddTaskNatural,
		draft:  &llm.Draft{Task: "作業系統", EstimatedTime: &hours, Category: "寫作", Due: "2025-06-02"},
	}
	b := newTestBot(fs, fm)

	msgs := b.HandleEvent(context.Background(), textEvent("下週一要交作業系統，大概三小時"))

	tasks := fs.tasks["u1"]
	if len(tasks) != 1 {
		t.Fatalf("expected direct append, got %d tasks", len(tasks))
	}
	want := store.Task{Task: "作業系統", EstimatedTime: 3, Category: "寫作", Due: "2025-06-02"}
	if tasks[0] != want {
		t.Fatalf("unexpected task: %+v", tasks[0])
	}
	if _, active := fs.state["u1"]; active {
		t.Fatal("no dialogue should be started for a complete draft")
	}
	if !strings.Contains(msgs[0].Text, "作業系統") {
		t.Fatalf("reply should name the new task: %q", msgs[0].Text)
	}
}

func TestNaturalAddPartialDraftSeedsDialogue(t *testing.T) {
	fs := newFakeStore()
	fm := &fakeModel{
		intent: llm.IntentAddTaskNatural,
		draft:  &llm.Draft{Task: "微積分習題"},
	}
	b := newTestBot(fs, fm)

	msgs := b.HandleEvent(context.Background(), textEvent("還有微積分習題要寫"))

	if len(fs.tasks["u1"]) != 0 {
		t.Fatal("partial draft must not append directly")
	}
	if fs.state["u1"] != store.StateAwaitTime {
		t.Fatalf("dialogue should resume at the time step, state=%q", fs.state["u1"])
	}
	if !strings.HasPrefix(msgs[0].Text, "card:time") {
		t.Fatalf("expected time prompt, got %q", msgs[0].Text)
	}
	if fs.temp["u1"].Task != "微積分習題" {
		t.Fatalf("scratchpad should be pre-populated: %+v", fs.temp["u1"])
	}
}

func TestMarkDoneRepliesWithTaskName(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["u1"] = []store.Task{{Task: "A"}, {Task: "B"}}
	b := newTestBot(fs, &fakeModel{})

	msgs := b.HandleEvent(context.Background(), postbackEvent("mark_done_0"))

	if !fs.tasks["u1"][0].Done || fs.tasks["u1"][1].Done {
		t.Fatalf("only task 0 should be done: %+v", fs.tasks["u1"])
	}
	if !strings.Contains(msgs[0].Text, "A") {
		t.Fatalf("reply should contain the task name, got %q", msgs[0].Text)
	}
}

func TestMarkDoneOutOfRange(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["u1"] = []store.Task{{Task: "A"}}
	b := newTestBot(fs, &fakeModel{})

	msgs := b.HandleEvent(context.Background(), postbackEvent("mark_done_9"))
	if msgs[0].Text != msgTaskNotFound {
		t.Fatalf("expected not-found reply, got %q", msgs[0].Text)
	}
}

func TestClearExpiredAll(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["u1"] = []store.Task{
		{Task: "P", Due: "2025-06-01"},
		{Task: "Q", Due: "2025-06-20"},
		{Task: "R"},
	}
	b := newTestBot(fs, &fakeModel{})

	msgs := b.HandleEvent(context.Background(), postbackEvent("clear_expired_all"))

	if !strings.Contains(msgs[0].Text, "1") {
		t.Fatalf("reply should report count 1, got %q", msgs[0].Text)
	}
	tasks := fs.tasks["u1"]
	if len(tasks) != 2 || tasks[0].Task != "Q" || tasks[1].Task != "R" {
		t.Fatalf("only P should be removed: %+v", tasks)
	}
}

func TestBatchCompleteFlow(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["u1"] = []store.Task{{Task: "A"}, {Task: "B"}, {Task: "C"}}
	b := newTestBot(fs, &fakeModel{})
	ctx := context.Background()

	b.HandleEvent(ctx, postbackEvent("toggle_select_0"))
	b.HandleEvent(ctx, postbackEvent("toggle_select_2"))
	msgs := b.HandleEvent(ctx, postbackEvent("confirm_batch_complete"))

	if !strings.Contains(msgs[0].Text, "2") {
		t.Fatalf("expected 2 completions reported, got %q", msgs[0].Text)
	}
	tasks := fs.tasks["u1"]
	if !tasks[0].Done || tasks[1].Done || !tasks[2].Done {
		t.Fatalf("unexpected done flags: %+v", tasks)
	}
	if tasks[0].CompletedAt == "" {
		t.Fatal("batch completion must stamp completed_at")
	}
}

func TestNaturalCompleteFindsByName(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["u1"] = []store.Task{{Task: "英文作文", Done: true}, {Task: "作業系統"}}
	fm := &fakeModel{intent: llm.IntentCompleteTaskNatural, draft: &llm.Draft{Task: "作業系統"}}
	b := newTestBot(fs, fm)

	msgs := b.HandleEvent(context.Background(), textEvent("作業系統寫完了"))

	if !fs.tasks["u1"][1].Done {
		t.Fatal("matching undone task should be marked done")
	}
	if !strings.Contains(msgs[0].Text, "作業系統") {
		t.Fatalf("reply should name the task: %q", msgs[0].Text)
	}
}

func TestShowScheduleRepliesTextAndTimetable(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["u1"] = []store.Task{{Task: "作業系統", EstimatedTime: 2}}
	fm := &fakeModel{
		intent: llm.IntentShowSchedule,
		plan: "1. 🕘 09:00 ~ 10:30｜作業系統｜閱讀 (90分鐘)\n" +
			"2. 🥪 12:00 ~ 13:00｜午餐\n" +
			"✅ 今日總時長：4 小時",
	}
	b := newTestBot(fs, fm)

	msgs := b.HandleEvent(context.Background(), textEvent("今天要讀什麼"))

	if len(msgs) != 2 {
		t.Fatalf("expected text + timetable card, got %d messages", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "今日總時長") {
		t.Fatalf("first message should be the plan text, got %q", msgs[0].Text)
	}
	if !strings.HasPrefix(msgs[1].Text, "card:timetable 2") {
		t.Fatalf("second message should be the timetable card, got %q", msgs[1].Text)
	}
}

func TestShowScheduleFailureUsesFixedError(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["u1"] = []store.Task{{Task: "作業系統", EstimatedTime: 2}}
	fm := &fakeModel{intent: llm.IntentShowSchedule, planErr: llm.ErrModel}
	b := newTestBot(fs, fm)

	msgs := b.HandleEvent(context.Background(), textEvent("今天要讀什麼"))
	if msgs[0].Text != msgScheduleFailed {
		t.Fatalf("expected fixed error string, got %q", msgs[0].Text)
	}
}

func TestSelectRemindTime(t *testing.T) {
	fs := newFakeStore()
	b := newTestBot(fs, &fakeModel{})

	ev := postbackEvent("select_remind_time")
	ev.PostbackParams.Time = "21:30"
	msgs := b.HandleEvent(context.Background(), ev)

	if fs.remind["u1"] != "21:30" {
		t.Fatalf("remind time not saved: %q", fs.remind["u1"])
	}
	if !strings.Contains(msgs[0].Text, "21:30") {
		t.Fatalf("reply should echo the time: %q", msgs[0].Text)
	}
}

func TestWeeklyReportShortcut(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["u1"] = []store.Task{
		{Task: "A", Done: true, CompletedAt: "2025-06-08 20:00:00"},
		{Task: "B", Done: true, CompletedAt: "2025-05-01 10:00:00"},
		{Task: "C"},
	}
	fm := &fakeModel{}
	b := newTestBot(fs, fm)

	msgs := b.HandleEvent(context.Background(), textEvent("週報"))

	if fm.classified != 0 {
		t.Fatal("the weekly report shortcut must not hit the classifier")
	}
	if !strings.Contains(msgs[0].Text, "1 項") {
		t.Fatalf("expected one completion in the window, got %q", msgs[0].Text)
	}
}

func TestUnknownIntentShowsHelp(t *testing.T) {
	fs := newFakeStore()
	b := newTestBot(fs, &fakeModel{intent: llm.IntentUnknown})

	msgs := b.HandleEvent(context.Background(), textEvent("哈囉"))
	if msgs[0].Text != msgHelp {
		t.Fatalf("expected help text, got %q", msgs[0].Text)
	}
}

func TestStaleDeleteButton(t *testing.T) {
	fs := newFakeStore()
	fs.tasks["u1"] = []store.Task{{Task: "A"}} // not done
	b := newTestBot(fs, &fakeModel{})

	msgs := b.HandleEvent(context.Background(), postbackEvent("delete_completed_0"))
	if msgs[0].Text != msgTaskNotFound {
		t.Fatalf("stale delete should reply not-found, got %q", msgs[0].Text)
	}
	if len(fs.tasks["u1"]) != 1 {
		t.Fatal("task must not be removed by a stale button")
	}
}

func TestCompletePickerDistinguishesAllDoneFromEmpty(t *testing.T) {
	fs := newFakeStore()
	b := newTestBot(fs, &fakeModel{intent: llm.IntentCompleteTask})

	msgs := b.HandleEvent(context.Background(), textEvent("完成作業"))
	if msgs[0].Text != msgNoTasks {
		t.Fatalf("empty list should reply %q, got %q", msgNoTasks, msgs[0].Text)
	}

	fs.tasks["u1"] = []store.Task{{Task: "A", Done: true}, {Task: "B", Done: true}}
	msgs = b.HandleEvent(context.Background(), textEvent("完成作業"))
	if msgs[0].Text != msgAllDone {
		t.Fatalf("all-done list should reply %q, got %q", msgAllDone, msgs[0].Text)
	}
}

func TestHandleEventLogsRequestID(t *testing.T) {
	var buf bytes.Buffer
	old := logger.InfoLogger
	logger.InfoLogger = log.New(&buf, "", 0)
	defer func() { logger.InfoLogger = old }()

	fs := newFakeStore()
	b := newTestBot(fs, &fakeModel{})

	ev := textEvent("週報")
	ev.RequestID = "req-123"
	b.HandleEvent(context.Background(), ev)

	if !strings.Contains(buf.String(), "req-123") {
		t.Fatalf("request id missing from event log: %q", buf.String())
	}
}

func TestParseCallback(t *testing.T) {
	cases := []struct {
		data string
		want Callback
	}{
		{"add_task", Callback{Kind: CbAddTask}},
		{"select_task_name_作業系統", Callback{Kind: CbSelectTaskName, Value: "作業系統"}},
		{"select_time_2", Callback{Kind: CbSelectTime, Hours: 2}},
		{"select_time_1.5小時", Callback{Kind: CbSelectTime, Hours: 1.5}},
		{"select_type_閱讀", Callback{Kind: CbSelectType, Value: "閱讀"}},
		{"mark_done_3", Callback{Kind: CbMarkDone, Index: 3}},
		{"delete_expired_0", Callback{Kind: CbDeleteExpired}},
		{"clear_completed_all", Callback{Kind: CbClearCompletedAll}},
		{"clear_completed", Callback{Kind: CbClearCompleted}},
		{"select_time_abc", Callback{Kind: CbUnknown}},
		{"mark_done_-1", Callback{Kind: CbUnknown}},
		{"whatever", Callback{Kind: CbUnknown}},
	}
	for _, tc := range cases {
		if got := ParseCallback(tc.data); got != tc.want {
			t.Fatalf("ParseCallback(%q) = %+v, want %+v", tc.data, got, tc.want)
		}
	}
}
