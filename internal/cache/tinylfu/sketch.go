package tinylfu

import "math/bits"

const (
	sketchDepth   = 4
	counterMax    = 15 // 4-битный насыщающийся счётчик
	resetMultiple = 10
)

// cmSketch — Count-Min sketch с 4-битными счётчиками. Каждый счётчик занимает
// полбайта; после resetMultiple·width инкрементов все счётчики делятся пополам,
// чтобы старая популярность затухала.
type cmSketch struct {
	rows      [sketchDepth][]byte
	seeds     [sketchDepth]uint64
	mask      uint64
	width     uint64
	additions uint64
	resetAt   uint64
}

func newSketch(width int) *cmSketch {
	w := nextPowerOfTwo(uint64(max(width, 16))) //nolint:mnd
	s := &cmSketch{
		mask:    w - 1,
		width:   w,
		resetAt: w * resetMultiple,
		seeds:   [sketchDepth]uint64{0xc3a5c85c97cb3127, 0xb492b66fbe98f273, 0x9ae16a3b2f90404f, 0xcbf29ce484222325},
	}
	for i := range s.rows {
		s.rows[i] = make([]byte, w/2) //nolint:mnd
	}
	return s
}

func (s *cmSketch) index(h uint64, row int) uint64 {
	x := (h ^ s.seeds[row]) * 0x9e3779b97f4a7c15
	x ^= x >> 32 //nolint:mnd
	return x & s.mask
}

func (s *cmSketch) get(row int, idx uint64) byte {
	b := s.rows[row][idx/2]
	if idx%2 == 0 {
		return b & 0x0f
	}
	return b >> 4 //nolint:mnd
}

func (s *cmSketch) set(row int, idx uint64, v byte) {
	b := &s.rows[row][idx/2]
	if idx%2 == 0 {
		*b = (*b & 0xf0) | v
	} else {
		*b = (*b & 0x0f) | (v << 4) //nolint:mnd
	}
}

// increment учитывает одно обращение к ключу с хешем h.
func (s *cmSketch) increment(h uint64) {
	added := false
	for row := range sketchDepth {
		idx := s.index(h, row)
		if v := s.get(row, idx); v < counterMax {
			s.set(row, idx, v+1)
			added = true
		}
	}
	if !added {
		return
	}
	s.additions++
	if s.additions >= s.resetAt {
		s.reset()
	}
}

// estimate возвращает минимальный счётчик по всем строкам.
func (s *cmSketch) estimate(h uint64) byte {
	est := byte(counterMax)
	for row := range sketchDepth {
		if v := s.get(row, s.index(h, row)); v < est {
			est = v
		}
	}
	return est
}

// reset делит все счётчики пополам (aging).
func (s *cmSketch) reset() {
	for row := range s.rows {
		for i, b := range s.rows[row] {
			s.rows[row][i] = (b >> 1) & 0x77
		}
	}
	s.additions /= 2
}

func (s *cmSketch) clear() {
	for row := range s.rows {
		clear(s.rows[row])
	}
	s.additions = 0
}

func nextPowerOfTwo(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << (64 - bits.LeadingZeros64(v-1))
}
