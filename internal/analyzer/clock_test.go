package analyzer

import "testing"

func TestClkToNsKnownValues(t *testing.T) {
	cases := map[uint64]uint64{
		0:  0,
		1:  16,
		2:  33,
		3:  50,
		4:  66,
		5:  83,
		6:  100,
		60: 1000,

		// One second of cycles.
		60_000_000: 1_000_000_000,
	}
	for cycles, want := range cases {
		if got := clkToNs(cycles); got != want {
			t.Errorf("clkToNs(%d) = %d, want %d", cycles, got, want)
		}
	}
}

func TestClkToNsMonotonic(t *testing.T) {
	prev := uint64(0)
	for cycles := uint64(1); cycles < 100_000; cycles++ {
		ns := clkToNs(cycles)
		if ns < prev {
			t.Fatalf("clkToNs not monotonic at %d: %d < %d", cycles, ns, prev)
		}
		prev = ns
	}
}

func TestClkToNsMatchesFormula(t *testing.T) {
	for cycles := uint64(0); cycles < 10_000; cycles++ {
		want := (cycles/3)*50 + [3]uint64{0, 16, 33}[cycles%3]
		if got := clkToNs(cycles); got != want {
			t.Fatalf("clkToNs(%d) = %d, want %d", cycles, got, want)
		}
	}
}
