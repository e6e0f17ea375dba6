package focustimer

import "testing"

func TestTimerStartsAtFullQuarter(t *testing.T) {
	timer := NewTimer()
	state := timer.Snapshot()
	if state.Remaining != QuarterSeconds {
		t.Fatalf("expected %d seconds, got %d", QuarterSeconds, state.Remaining)
	}
	if state.Quarter != 1 {
		t.Fatalf("expected quarter 1, got %d", state.Quarter)
	}
	if state.Running {
		t.Fatalf("timer must not run before Start")
	}
	if got := state.Display(); got != "25:00" {
		t.Fatalf("unexpected display %q", got)
	}
}

func TestTickIgnoredWhileStopped(t *testing.T) {
	timer := NewTimer()
	if timer.Tick() {
		t.Fatalf("tick on a stopped timer must not finish a quarter")
	}
	if got := timer.Snapshot().Remaining; got != QuarterSeconds {
		t.Fatalf("stopped timer must not count down, remaining %d", got)
	}
}

func TestCountdownAndDisplay(t *testing.T) {
	timer := NewTimer()
	timer.Start()
	for i := 0; i < 90; i++ {
		timer.Tick()
	}
	state := timer.Snapshot()
	if state.Remaining != QuarterSeconds-90 {
		t.Fatalf("expected %d remaining, got %d", QuarterSeconds-90, state.Remaining)
	}
	if got := state.Display(); got != "23:30" {
		t.Fatalf("unexpected display %q", got)
	}
}

func TestFinishingQuarterAdvancesAndStops(t *testing.T) {
	timer := NewTimer()
	timer.Start()
	finished := false
	for i := 0; i < QuarterSeconds; i++ {
		finished = timer.Tick()
	}
	if !finished {
		t.Fatalf("final tick must report the quarter finished")
	}

	state := timer.Snapshot()
	if state.Running {
		t.Fatalf("finishing a quarter must stop the countdown")
	}
	if state.Remaining != QuarterSeconds {
		t.Fatalf("expected reset to full quarter, got %d", state.Remaining)
	}
	if state.Quarter != 2 {
		t.Fatalf("expected quarter 2, got %d", state.Quarter)
	}
	if state.Streak != 1 {
		t.Fatalf("expected one streak day, got %d", state.Streak)
	}
}

func TestQuarterCounterCapsAtFour(t *testing.T) {
	timer := NewTimer()
	for round := 0; round < 6; round++ {
		timer.Start()
		for i := 0; i < QuarterSeconds; i++ {
			timer.Tick()
		}
	}
	state := timer.Snapshot()
	if state.Quarter != QuarterCount {
		t.Fatalf("expected quarter capped at %d, got %d", QuarterCount, state.Quarter)
	}
	if state.Streak != 6 {
		t.Fatalf("streak keeps counting past the cap, got %d", state.Streak)
	}
}

func TestResetKeepsQuarterAndStreak(t *testing.T) {
	timer := NewTimer()
	timer.Start()
	for i := 0; i < QuarterSeconds; i++ {
		timer.Tick()
	}

	timer.Start()
	timer.Tick()
	timer.Reset()

	state := timer.Snapshot()
	if state.Running {
		t.Fatalf("reset must stop the countdown")
	}
	if state.Remaining != QuarterSeconds {
		t.Fatalf("reset must restore the full quarter, got %d", state.Remaining)
	}
	if state.Quarter != 2 || state.Streak != 1 {
		t.Fatalf("reset must keep quarter and streak, got quarter %d streak %d", state.Quarter, state.Streak)
	}
}
