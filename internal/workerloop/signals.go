package workerloop

import "sync/atomic"

// irqLevel mirrors original_source/include/pruv/termination.hpp's IRQ_NONE /
// IRQ_INT / IRQ_TERM enum: a monotone flag a signal handler may only ever
// raise, never lower, so a SIGTERM arriving after a SIGINT cannot be
// forgotten.
type irqLevel int32

const (
	irqNone irqLevel = iota
	irqInt
	irqTerm
)

var interruption atomic.Int32

// raiseInterruption moves the flag to level unless it is already at or past
// it.
func raiseInterruption(level irqLevel) {
	for {
		cur := irqLevel(interruption.Load())
		if cur >= level {
			return
		}
		if interruption.CompareAndSwap(int32(cur), int32(level)) {
			return
		}
	}
}

func currentInterruption() irqLevel {
	return irqLevel(interruption.Load())
}

// lowerToNone clears irqInt once a cancelled request has been drained
// (spec §4.8 step 6: "the flag is lowered" after IRQ_INT is handled). An
// irqTerm is left in place.
func lowerToNone() {
	interruption.CompareAndSwap(int32(irqInt), int32(irqNone))
}
