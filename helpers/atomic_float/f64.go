package atomic_float

import (
	"math"
	"sync/atomic"
)

type F64 uint64

func (f *F64) Load() float64 {
	return math.Float64frombits(atomic.LoadUint64((*uint64)(f)))
}

func (f *F64) Store(new float64) {
	atomic.StoreUint64((*uint64)(f), math.Float64bits(new))
}

func (f *F64) Add(delta float64) float64 {
tryAgain:
	oldbits := atomic.LoadUint64((*uint64)(f))
	old := math.Float64frombits(oldbits)
	new := old + delta
	newbits := math.Float64bits(new)
	if atomic.CompareAndSwapUint64((*uint64)(f), oldbits, newbits) {
		return new
	}
	goto tryAgain // can't inline for loop
}
