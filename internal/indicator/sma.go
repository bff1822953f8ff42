package indicator

// SMA calculates Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer and a running sum, so neither Update nor
// Peek rescans the window.
type SMA struct {
	period  int
	buf     []float64 // circular buffer of the last period closes
	idx     int       // next write position
	count   int       // total closes received
	sum     float64
	current float64
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{
		period: period,
		buf:    make([]float64, period),
	}
}

func (s *SMA) Name() string { return "SMA" }

func (s *SMA) Update(close float64) {
	if s.count >= s.period {
		// Drop the oldest close being overwritten
		s.sum -= s.buf[s.idx]
	}

	s.buf[s.idx] = close
	s.sum += close
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		s.current = s.sum / float64(s.period)
	}
}

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.count >= s.period }
func (s *SMA) WarmUp() int    { return s.period }

func (s *SMA) Peek(close float64) (float64, bool) {
	if s.count+1 < s.period {
		return 0, false
	}
	if s.count < s.period {
		return (s.sum + close) / float64(s.period), true
	}
	// Replace the oldest value (at idx) with the provisional close
	return (s.sum - s.buf[s.idx] + close) / float64(s.period), true
}

func (s *SMA) Reset() {
	s.idx = 0
	s.count = 0
	s.sum = 0
	s.current = 0
	for i := range s.buf {
		s.buf[i] = 0
	}
}
