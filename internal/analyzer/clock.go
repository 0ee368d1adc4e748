package analyzer

// The analyzer timestamps frames with a 60 MHz cycle counter, so each
// cycle is 50/3 ns. Integer arithmetic keeps the conversion exact and
// monotonic; floating point would not.
var clkRemainderNs = [3]uint64{0, 16, 33}

// clkToNs converts 60 MHz clock cycles to nanoseconds, rounding down.
func clkToNs(clkCycles uint64) uint64 {
	quotient := clkCycles / 3
	remainder := clkCycles % 3
	return quotient*50 + clkRemainderNs[remainder]
}
