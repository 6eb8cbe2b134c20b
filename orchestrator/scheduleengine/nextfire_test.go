package scheduleengine

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, layout, value string) time.Time {
	t.Helper()
	tm, err := time.ParseInLocation(layout, value, time.UTC)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return tm
}

func TestRecomputeNextImmediate(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 10:00:00")
	next, err := RecomputeNext("immediate", "{}", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next == nil || !next.Equal(now) {
		t.Errorf("expected next to equal now, got %v", next)
	}
}

func TestRecomputeNextOnceAtFuture(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 10:00:00")
	next, err := RecomputeNext("once_at", `{"datetime":"2026-07-31 12:00:00"}`, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 12:00:00")
	if next == nil || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestRecomputeNextOnceAtPastNeverFiresAgain(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 10:00:00")
	next, err := RecomputeNext("once_at", `{"datetime":"2026-07-31 09:00:00"}`, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != nil {
		t.Errorf("expected nil (never fires again), got %v", next)
	}
}

func TestRecomputeNextInterval(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 10:00:00")
	next, err := RecomputeNext("interval", `{"interval":30,"unit":"minutes"}`, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := now.Add(30 * time.Minute)
	if next == nil || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestRecomputeNextIntervalUnrecognisedUnit(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 10:00:00")
	_, err := RecomputeNext("interval", `{"interval":1,"unit":"fortnights"}`, now)
	if err == nil {
		t.Fatal("expected an error for an unrecognised interval unit")
	}
}

func TestRecomputeNextDailyLaterToday(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 10:00:00")
	next, err := RecomputeNext("daily", `{"time":"18:00:00"}`, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 18:00:00")
	if next == nil || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestRecomputeNextDailyRollsToTomorrow(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 19:00:00")
	next, err := RecomputeNext("daily", `{"time":"08:00:00"}`, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustParse(t, "2006-01-02 15:04:05", "2026-08-01 08:00:00")
	if next == nil || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestRecomputeNextWeeklyPicksNearestWantedDay(t *testing.T) {
	// 2026-07-31 is a Friday (isoWeekday 5); want next Monday (1) at 09:00.
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 10:00:00")
	next, err := RecomputeNext("weekly", `{"days":[1],"time":"09:00:00"}`, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustParse(t, "2006-01-02 15:04:05", "2026-08-03 09:00:00")
	if next == nil || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestRecomputeNextWeeklyRequiresDays(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 10:00:00")
	_, err := RecomputeNext("weekly", `{"days":[],"time":"09:00:00"}`, now)
	if err == nil {
		t.Fatal("expected an error when no days are configured")
	}
}

func TestRecomputeNextMonthlySkipsInvalidDayInShortMonth(t *testing.T) {
	// Asking for the 30th of February should roll to March 30.
	now := mustParse(t, "2006-01-02 15:04:05", "2026-01-31 00:00:00")
	next, err := RecomputeNext("monthly", `{"dates":[30],"time":"00:00:00"}`, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next == nil || next.Month() == time.February {
		t.Errorf("expected February 30 to be skipped, got %v", next)
	}
}

func TestRecomputeNextMonthlyLastDay(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-02-01 00:00:00")
	next, err := RecomputeNext("monthly", `{"dates":[-1],"time":"00:00:00"}`, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustParse(t, "2006-01-02 15:04:05", "2026-02-28 00:00:00")
	if next == nil || !next.Equal(want) {
		t.Errorf("expected last day of February %v, got %v", want, next)
	}
}

func TestRecomputeNextCron(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 10:00:00")
	next, err := RecomputeNext("cron", `{"cron_expression":"0 0 * * *"}`, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustParse(t, "2006-01-02 15:04:05", "2026-08-01 00:00:00")
	if next == nil || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestRecomputeNextCronInvalidExpression(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 10:00:00")
	_, err := RecomputeNext("cron", `{"cron_expression":"not a cron expression"}`, now)
	if err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestRecomputeNextUnrecognisedType(t *testing.T) {
	now := mustParse(t, "2006-01-02 15:04:05", "2026-07-31 10:00:00")
	_, err := RecomputeNext("biannual", "{}", now)
	if err == nil {
		t.Fatal("expected an error for an unrecognised schedule type")
	}
}
