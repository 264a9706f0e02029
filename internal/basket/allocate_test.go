package basket

import (
	"errors"
	"testing"
)

func TestAllocate_ThirdsResidualToLastLeg(t *testing.T) {
	got, err := Allocate(990_000_000, legsWithWeights("33", "33", "34"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []uint64{326_700_000, 326_700_000, 336_600_000}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("leg %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestAllocate_SumsToNet(t *testing.T) {
	cases := []struct {
		net     uint64
		weights []string
	}{
		{1_000_001, []string{"50", "30", "20"}},
		{7, []string{"33.33", "33.33", "33.34"}},
		{999_999_999, []string{"12.5", "12.5", "25", "50"}},
		{0, []string{"60", "40"}},
	}
	for _, tc := range cases {
		amounts, err := Allocate(tc.net, legsWithWeights(tc.weights...))
		if err != nil {
			t.Fatalf("net %d: unexpected error: %v", tc.net, err)
		}
		var sum uint64
		for _, amount := range amounts {
			sum += amount
		}
		if sum != tc.net {
			t.Errorf("net %d: allocations sum to %d", tc.net, sum)
		}
	}
}

func TestAllocate_SingleLegGetsEverything(t *testing.T) {
	got, err := Allocate(123, legsWithWeights("100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != 123 {
		t.Fatalf("expected [123], got %v", got)
	}
}

func TestAllocate_NoLegs(t *testing.T) {
	if _, err := Allocate(10, nil); !errors.Is(err, ErrNoLegs) {
		t.Fatalf("expected ErrNoLegs, got %v", err)
	}
}
