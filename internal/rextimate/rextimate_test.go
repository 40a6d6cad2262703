package rextimate

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rextimate/crowd-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func calc(t *testing.T, current float64, dir model.Direction, counts model.VoteCounts) decimal.Decimal {
	t.Helper()
	got, err := Calculate(d(current), dir, counts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return got
}

func TestCalculate_FirstTooLowVote(t *testing.T) {
	// Zero prior votes: one TooLow vote moves 500000 up by 1%.
	got := calc(t, 500000, model.TooLow, model.VoteCounts{})
	if !got.Equal(d(505000)) {
		t.Errorf("expected 505000, got %s", got)
	}
}

func TestCalculate_FirstTooHighVote(t *testing.T) {
	got := calc(t, 500000, model.TooHigh, model.VoteCounts{})
	if !got.Equal(d(495000)) {
		t.Errorf("expected 495000, got %s", got)
	}
}

func TestCalculate_JustRightNeverMoves(t *testing.T) {
	got := calc(t, 500000, model.JustRight, model.VoteCounts{TooHigh: 7, TooLow: 3, JustRight: 12})
	if !got.Equal(d(500000)) {
		t.Errorf("JustRight must leave price unchanged, got %s", got)
	}
	if Moves(model.JustRight) {
		t.Error("Moves(JustRight) should be false")
	}
}

func TestCalculate_DampingGrowsWithParticipation(t *testing.T) {
	// 100 prior votes halve the step relative to an empty market.
	fresh := calc(t, 500000, model.TooLow, model.VoteCounts{})
	damped := calc(t, 500000, model.TooLow, model.VoteCounts{TooHigh: 40, TooLow: 40, JustRight: 20})

	freshStep := fresh.Sub(d(500000))
	dampedStep := damped.Sub(d(500000))
	if !dampedStep.Equal(freshStep.Div(d(2))) {
		t.Errorf("expected damped step %s to be half of %s", dampedStep, freshStep)
	}
}

func TestCalculate_MultiplicativeNotAdditive(t *testing.T) {
	// The step scales with the current price, not a fixed dollar amount.
	low := calc(t, 100000, model.TooLow, model.VoteCounts{})
	high := calc(t, 1000000, model.TooLow, model.VoteCounts{})

	if !low.Sub(d(100000)).Equal(d(1000)) {
		t.Errorf("expected +1000 at 100000, got %s", low.Sub(d(100000)))
	}
	if !high.Sub(d(1000000)).Equal(d(10000)) {
		t.Errorf("expected +10000 at 1000000, got %s", high.Sub(d(1000000)))
	}
}

func TestCalculate_RoundsToWholeDollars(t *testing.T) {
	// 333333 / 101 is not an integer; result must be rounded.
	got := calc(t, 333333, model.TooLow, model.VoteCounts{JustRight: 1})
	if got.Exponent() < 0 {
		t.Errorf("expected whole-dollar result, got %s", got)
	}
}

func TestCalculate_Deterministic(t *testing.T) {
	counts := model.VoteCounts{TooHigh: 5, TooLow: 9, JustRight: 2}
	a := calc(t, 742000, model.TooHigh, counts)
	b := calc(t, 742000, model.TooHigh, counts)
	if !a.Equal(b) {
		t.Errorf("same inputs must yield same output: %s vs %s", a, b)
	}
}

func TestCalculate_NegativeCounts(t *testing.T) {
	_, err := Calculate(d(500000), model.TooLow, model.VoteCounts{TooHigh: -1})
	if err != ErrInconsistentCounts {
		t.Errorf("expected ErrInconsistentCounts, got %v", err)
	}
}

func TestCalculate_NonPositivePrice(t *testing.T) {
	for _, current := range []float64{0, -100} {
		_, err := Calculate(d(current), model.TooLow, model.VoteCounts{})
		if err != ErrNonPositivePrice {
			t.Errorf("current=%v: expected ErrNonPositivePrice, got %v", current, err)
		}
	}
}

func TestCalculate_UnknownDirection(t *testing.T) {
	_, err := Calculate(d(500000), model.Direction("SIDEWAYS"), model.VoteCounts{})
	if err != ErrUnknownDirection {
		t.Errorf("expected ErrUnknownDirection, got %v", err)
	}
}

func TestDelta(t *testing.T) {
	tests := []struct {
		dir  model.Direction
		want int64
	}{
		{model.TooLow, 1},
		{model.TooHigh, -1},
		{model.JustRight, 0},
	}
	for _, tt := range tests {
		got, err := Delta(tt.dir)
		if err != nil {
			t.Fatalf("Delta(%s): %v", tt.dir, err)
		}
		if got != tt.want {
			t.Errorf("Delta(%s) = %d, want %d", tt.dir, got, tt.want)
		}
	}
}
