package timectrl

import (
	"context"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerStepNotifiesListeners(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 10*time.Millisecond, Accelerated)

	var seen []time.Time
	tc.AddListener(func(now time.Time) {
		if got := tc.Now(); !got.Equal(now) {
			t.Errorf("listener saw Now() = %v, want %v", got, now)
		}
		seen = append(seen, now)
	})

	tc.Step()
	tc.Step()

	if len(seen) != 2 {
		t.Fatalf("listener calls = %d, want 2", len(seen))
	}
	if want := start.Add(20 * time.Millisecond); !seen[1].Equal(want) {
		t.Fatalf("second step time = %v, want %v", seen[1], want)
	}
	if tc.Steps() != 2 {
		t.Fatalf("Steps() = %d, want 2", tc.Steps())
	}

	tc.Reset()
	if tc.Steps() != 0 || !tc.Now().Equal(start) {
		t.Fatalf("Reset did not rewind: steps=%d now=%v", tc.Steps(), tc.Now())
	}
}

func TestTimeControllerStartUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)

	done := tc.Start(context.Background(), 15*time.Millisecond)
	<-done

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
}

func TestTimeControllerStartStopsOnCancel(t *testing.T) {
	tc := NewTimeController(time.Unix(0, 0), time.Millisecond, RealTime)
	ctx, cancel := context.WithCancel(context.Background())

	done := tc.Start(ctx, 0)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("controller did not stop after cancel")
	}
}
