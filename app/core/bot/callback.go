package bot

import (
	"strconv"
	"strings"
)

// CallbackKind enumerates every structured button action. Postback data is
// parsed once at the boundary and matched exhaustively afterwards.
type CallbackKind int

const (
	CbUnknown CallbackKind = iota
	CbAddTask
	CbSelectTaskName
	CbSelectTime
	CbSelectType
	CbSelectTaskDue
	CbNoDueDate
	CbConfirmAddTask
	CbCancelAddTask
	CbViewTasks
	CbCompleteTask
	CbMarkDone
	CbToggleSelect
	CbConfirmBatchComplete
	CbSetRemindTime
	CbSelectRemindTime
	CbCancelSetRemind
	CbClearCompleted
	CbClearCompletedAll
	CbClearCompletedSelect
	CbDeleteCompleted
	CbCancelClearCompleted
	CbClearExpired
	CbClearExpiredAll
	CbClearExpiredSelect
	CbDeleteExpired
	CbCancelClearExpired
	CbShowSchedule
)

// Callback is a parsed postback action. Index carries the task position for
// the *_<i> actions, Value the embedded string, Hours the tapped duration.
type Callback struct {
	Kind  CallbackKind
	Index int
	Value string
	Hours float64
}

var exactCallbacks = map[string]CallbackKind{
	"add_task":               CbAddTask,
	"select_task_due":        CbSelectTaskDue,
	"no_due_date":            CbNoDueDate,
	"confirm_add_task":       CbConfirmAddTask,
	"cancel_add_task":        CbCancelAddTask,
	"view_tasks":             CbViewTasks,
	"complete_task":          CbCompleteTask,
	"confirm_batch_complete": CbConfirmBatchComplete,
	"set_remind_time":        CbSetRemindTime,
	"select_remind_time":     CbSelectRemindTime,
	"cancel_set_remind":      CbCancelSetRemind,
	"clear_completed":        CbClearCompleted,
	"clear_completed_all":    CbClearCompletedAll,
	"clear_completed_select": CbClearCompletedSelect,
	"cancel_clear_completed": CbCancelClearCompleted,
	"clear_expired":          CbClearExpired,
	"clear_expired_all":      CbClearExpiredAll,
	"clear_expired_select":   CbClearExpiredSelect,
	"cancel_clear_expired":   CbCancelClearExpired,
	"show_schedule":          CbShowSchedule,
}

// ParseCallback turns a postback data string into a tagged Callback.
// Unrecognised or malformed data comes back as CbUnknown.
func ParseCallback(data string) Callback {
	data = strings.TrimSpace(data)
	if kind, ok := exactCallbacks[data]; ok {
		return Callback{Kind: kind}
	}

	if v, ok := strings.CutPrefix(data, "select_task_name_"); ok && v != "" {
		return Callback{Kind: CbSelectTaskName, Value: v}
	}
	if v, ok := strings.CutPrefix(data, "select_time_"); ok {
		hours, err := strconv.ParseFloat(strings.TrimSuffix(v, "小時"), 64)
		if err != nil || hours <= 0 {
			return Callback{Kind: CbUnknown}
		}
		return Callback{Kind: CbSelectTime, Hours: hours}
	}
	if v, ok := strings.CutPrefix(data, "select_type_"); ok && v != "" {
		return Callback{Kind: CbSelectType, Value: v}
	}
	if v, ok := strings.CutPrefix(data, "mark_done_"); ok {
		return indexCallback(CbMarkDone, v)
	}
	if v, ok := strings.CutPrefix(data, "toggle_select_"); ok {
		return indexCallback(CbToggleSelect, v)
	}
	if v, ok := strings.CutPrefix(data, "delete_completed_"); ok {
		return indexCallback(CbDeleteCompleted, v)
	}
	if v, ok := strings.CutPrefix(data, "delete_expired_"); ok {
		return indexCallback(CbDeleteExpired, v)
	}
	return Callback{Kind: CbUnknown}
}

func indexCallback(kind CallbackKind, raw string) Callback {
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 {
		return Callback{Kind: CbUnknown}
	}
	return Callback{Kind: kind, Index: idx}
}
