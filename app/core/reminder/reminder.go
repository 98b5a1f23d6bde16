package reminder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskline/app/core/scheduler"
	"taskline/app/core/store"
	"taskline/app/pkg/clock"
	"taskline/app/pkg/logger"
	"taskline/app/pkg/types"
)

// Store is the user-store surface the reminder sweep needs.
type Store interface {
	ListUsers(ctx context.Context) ([]string, error)
	GetTasks(ctx context.Context, userID string) ([]store.Task, error)

	GetTaskRemindEnabled(ctx context.Context, userID string) (bool, error)
	GetRemindTime(ctx context.Context, userID string) (string, error)
	GetLastTaskRemindDate(ctx context.Context, userID string) (string, error)
	SetLastTaskRemindDate(ctx context.Context, userID, date string) error

	GetAddTaskRemindEnabled(ctx context.Context, userID string) (bool, error)
	GetAddTaskRemindTime(ctx context.Context, userID string) (string, error)
	GetLastAddTaskDate(ctx context.Context, userID string) (string, error)
	GetLastAddTaskRemindDate(ctx context.Context, userID string) (string, error)
	SetLastAddTaskRemindDate(ctx context.Context, userID, date string) error
}

// Pusher delivers unsolicited messages to a user.
type Pusher interface {
	Push(ctx context.Context, userID string, msgs []types.Message) error
}

// Service sweeps all known users once a minute and pushes due reminders.
// The daily markers in the store make each reminder fire at most once per
// day even if the sweep overlaps the same minute twice.
type Service struct {
	store  Store
	pusher Pusher
	now    func() time.Time
}

type Option func(*Service)

// WithNow overrides the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st Store, pusher Pusher, opts ...Option) *Service {
	s := &Service{store: st, pusher: pusher, now: clock.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterJobs wires the reminder sweep into the scheduler.
func (s *Service) RegisterJobs(sched *scheduler.Scheduler, interval, timeout time.Duration) error {
	return sched.Register(scheduler.JobSpec{
		Name:     "reminder-sweep",
		Interval: interval,
		Timeout:  timeout,
		Run:      s.Run,
	})
}

// Run performs one sweep. A failure for one user is logged and the sweep
// moves on to the next.
func (s *Service) Run(ctx context.Context) error {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("reminder: list users: %w", err)
	}

	now := s.now()
	minute := now.Format(clock.MinuteLayout)
	today := now.Format(clock.DateLayout)

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.remindUnfinished(ctx, userID, minute, today); err != nil {
			logger.Error("[Reminder] user=%s unfinished sweep: %v", userID, err)
		}
		if err := s.remindAddTask(ctx, userID, minute, today); err != nil {
			logger.Error("[Reminder] user=%s add-task sweep: %v", userID, err)
		}
	}
	return nil
}

// remindUnfinished pushes the daily undone-task digest when the user's
// remind time falls in the current minute.
func (s *Service) remindUnfinished(ctx context.Context, userID, minute, today string) error {
	enabled, err := s.store.GetTaskRemindEnabled(ctx, userID)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	remindAt, err := s.store.GetRemindTime(ctx, userID)
	if err != nil {
		return err
	}
	if remindAt != minute {
		return nil
	}

	last, err := s.store.GetLastTaskRemindDate(ctx, userID)
	if err != nil {
		return err
	}
	if last == today {
		return nil
	}

	tasks, err := s.store.GetTasks(ctx, userID)
	if err != nil {
		return err
	}
	undone := undoneTasks(tasks)
	if len(undone) == 0 {
		// nothing to nag about; still close the day so a later time
		// change cannot re-trigger
		return s.store.SetLastTaskRemindDate(ctx, userID, today)
	}

	msg := types.NewText(unfinishedDigest(undone))
	if err := s.pusher.Push(ctx, userID, []types.Message{msg}); err != nil {
		return err
	}
	logger.Info("[Reminder] user=%s pushed unfinished digest (%d tasks)", userID, len(undone))
	return s.store.SetLastTaskRemindDate(ctx, userID, today)
}

// remindAddTask nudges users who have not recorded any homework today.
func (s *Service) remindAddTask(ctx context.Context, userID, minute, today string) error {
	enabled, err := s.store.GetAddTaskRemindEnabled(ctx, userID)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	remindAt, err := s.store.GetAddTaskRemindTime(ctx, userID)
	if err != nil {
		return err
	}
	if remindAt != minute {
		return nil
	}

	lastAdd, err := s.store.GetLastAddTaskDate(ctx, userID)
	if err != nil {
		return err
	}
	if lastAdd == today {
		return nil
	}

	lastRemind, err := s.store.GetLastAddTaskRemindDate(ctx, userID)
	if err != nil {
		return err
	}
	if lastRemind == today {
		return nil
	}

	msg := types.NewText("📝 今天還沒有記錄作業喔！輸入「新增作業」把今天的功課記下來吧")
	if err := s.pusher.Push(ctx, userID, []types.Message{msg}); err != nil {
		return err
	}
	logger.Info("[Reminder] user=%s pushed add-task nudge", userID)
	return s.store.SetLastAddTaskRemindDate(ctx, userID, today)
}

func undoneTasks(tasks []store.Task) []store.Task {
	var undone []store.Task
	for _, t := range tasks {
		if !t.Done {
			undone = append(undone, t)
		}
	}
	return undone
}

func unfinishedDigest(tasks []store.Task) string {
	var b strings.Builder
	b.WriteString("⏰ 提醒你，還有作業沒完成：\n")
	for i, t := range tasks {
		fmt.Fprintf(&b, "%d. %s（預估 %s）", i+1, t.Task, store.FormatHours(t.EstimatedTime))
		if t.Due != "" {
			fmt.Fprintf(&b, "，截止 %s", t.Due)
		}
		if i != len(tasks)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
