package schedule

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		expr       string
		wantManual bool
		wantErr    bool
	}{
		{"", true, false},
		{"@manual", true, false},
		{"none", true, false},
		{"@daily", false, false},
		{"0 6 * * *", false, false},
		{"*/15 * * * *", false, false},
		{"not a cron", false, true},
		{"0 0 * *", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := Parse(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
			if err == nil && s.Manual() != tt.wantManual {
				t.Errorf("Manual() = %v, want %v", s.Manual(), tt.wantManual)
			}
		})
	}
}

func TestDueTimes_manual(t *testing.T) {
	s, _ := Parse("")
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	if got := DueTimes(s, now.AddDate(0, 0, -30), nil, now, true); len(got) != 0 {
		t.Errorf("DueTimes() = %v, want none", got)
	}
}

func TestDueTimes_catchup(t *testing.T) {
	s, err := Parse("@daily")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	got := DueTimes(s, start, nil, now, true)
	want := []time.Time{
		time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("DueTimes() = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("DueTimes()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDueTimes_noCatchup(t *testing.T) {
	s, _ := Parse("@daily")
	start := time.Date(2026, 9, 19, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	got := DueTimes(s, start, nil, now, false)
	if len(got) != 1 {
		t.Fatalf("DueTimes() = %v, want exactly one", got)
	}
	if want := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC); !got[0].Equal(want) {
		t.Errorf("DueTimes()[0] = %v, want %v", got[0], want)
	}
}

func TestDueTimes_afterLast(t *testing.T) {
	s, _ := Parse("@daily")
	start := time.Date(2026, 9, 19, 0, 0, 0, 0, time.UTC)
	last := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	if got := DueTimes(s, start, &last, now, true); len(got) != 0 {
		t.Errorf("DueTimes() = %v, want none", got)
	}
}

func TestDueTimes_futureStart(t *testing.T) {
	s, _ := Parse("@hourly")
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	if got := DueTimes(s, now.Add(24*time.Hour), nil, now, true); len(got) != 0 {
		t.Errorf("DueTimes() = %v, want none", got)
	}
}
