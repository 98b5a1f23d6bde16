package schedule

import (
	"errors"
	"strings"
	"testing"
)

func TestParseDailyPlan(t *testing.T) {
	input := "今天的讀書計畫如下：\n" +
		"1. 🕘 09:00 ~ 10:30｜作業系統｜閱讀 (90分鐘)\n" +
		"2. 🥪 12:00 ~ 13:00｜午餐\n" +
		"✅ 今日總時長：4 小時"

	plan, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(plan.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(plan.Blocks))
	}

	first := plan.Blocks[0]
	if first.Start != "09:00" || first.End != "10:30" {
		t.Fatalf("unexpected range: %s ~ %s", first.Start, first.End)
	}
	if first.Task != "作業系統" || first.Category != "閱讀" {
		t.Fatalf("unexpected task/category: %q %q", first.Task, first.Category)
	}
	if first.DurationMinutes != 90 {
		t.Fatalf("expected 90 minutes, got %d", first.DurationMinutes)
	}
	if first.Emoji != "🕘" {
		t.Fatalf("expected emoji captured, got %q", first.Emoji)
	}

	second := plan.Blocks[1]
	if second.Task != "午餐" {
		t.Fatalf("unexpected task: %q", second.Task)
	}
	if second.Category != DefaultCategory {
		t.Fatalf("expected default category, got %q", second.Category)
	}
	if second.DurationMinutes != 60 {
		t.Fatalf("expected duration from time range, got %d", second.DurationMinutes)
	}

	if plan.TotalHours != 4.0 {
		t.Fatalf("explicit total marker should win, got %v", plan.TotalHours)
	}
}

func TestParseTotalSummedWithoutMarker(t *testing.T) {
	input := "1. 09:00 ~ 10:00｜英文\n2. 10:00 ~ 10:30｜休息"
	plan, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if plan.TotalHours != 1.5 {
		t.Fatalf("expected summed total 1.5, got %v", plan.TotalHours)
	}
}

func TestParseCrossMidnightDuration(t *testing.T) {
	plan, err := Parse("1. 23:30 ~ 00:15｜夜讀")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if plan.Blocks[0].DurationMinutes != 45 {
		t.Fatalf("expected (end+24h)-start = 45 minutes, got %d", plan.Blocks[0].DurationMinutes)
	}
	if plan.Blocks[0].Start != "23:30" || plan.Blocks[0].End != "00:15" {
		t.Fatalf("unexpected normalised range: %s ~ %s", plan.Blocks[0].Start, plan.Blocks[0].End)
	}
}

func TestParseHoursPast24Normalised(t *testing.T) {
	plan, err := Parse("1. 23:00 ~ 24:30｜趕報告")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	b := plan.Blocks[0]
	if b.End != "00:30" {
		t.Fatalf("hour 24 should display mod 24, got %q", b.End)
	}
	if b.DurationMinutes != 90 {
		t.Fatalf("duration should keep next-day semantics, got %d", b.DurationMinutes)
	}
}

func TestParseFallbackLine(t *testing.T) {
	plan, err := Parse("早上 09:00-10:00｜背單字 之後休息")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if plan.Blocks[0].Task != "背單字 之後休息" {
		t.Fatalf("unexpected fallback task: %q", plan.Blocks[0].Task)
	}
}

func TestParseNoBlocks(t *testing.T) {
	if _, err := Parse("今天沒有安排。"); !errors.Is(err, ErrNoBlocks) {
		t.Fatalf("expected ErrNoBlocks, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	blocks := []Block{
		{Start: "09:00", End: "10:30", Task: "作業系統", DurationMinutes: 90, Category: "閱讀", Emoji: "🕘"},
		{Start: "12:00", End: "13:00", Task: "午餐", DurationMinutes: 60, Category: DefaultCategory},
		{Start: "23:30", End: "00:15", Task: "夜讀", DurationMinutes: 45, Category: "寫作"},
	}
	var lines []string
	for i, b := range blocks {
		lines = append(lines, FormatLine(i, b))
	}

	plan, err := Parse(strings.Join(lines, "\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(plan.Blocks) != len(blocks) {
		t.Fatalf("expected %d blocks, got %d", len(blocks), len(plan.Blocks))
	}
	for i, want := range blocks {
		if plan.Blocks[i] != want {
			t.Fatalf("block %d mismatch:\n got: %+v\nwant: %+v", i, plan.Blocks[i], want)
		}
	}
}

func TestFlagOverBudget(t *testing.T) {
	plan := Plan{TotalHours: 4}
	plan.FlagOverBudget(3.5)
	if !plan.OverBudget {
		t.Fatal("4h plan against 3.5h budget should be flagged")
	}
	plan.FlagOverBudget(4)
	if plan.OverBudget {
		t.Fatal("plan exactly at budget should not be flagged")
	}
}
