package logger

import (
	"sync"
	"sync/atomic"
)

// Per-component warn/error counters. They back operational checks in tests
// and let a composition root expose rough health without a metrics stack.

type componentStat struct {
	warns  int64
	errors int64
}

var componentStats sync.Map // map[string]*componentStat

func statFor(component string) *componentStat {
	v, _ := componentStats.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&statFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&statFor(component).errors, 1)
}

// WarnCount returns the number of warnings logged for a component.
func WarnCount(component string) int64 {
	return atomic.LoadInt64(&statFor(component).warns)
}

// ErrorCount returns the number of errors logged for a component.
func ErrorCount(component string) int64 {
	return atomic.LoadInt64(&statFor(component).errors)
}
