package machine

// ReadTSC returns the host's raw time-stamp counter value, read directly
// with the RDTSC instruction. Implemented in tsc_amd64.s: Go has no
// portable way to emit this instruction otherwise.
func ReadTSC() uint64
