package packet

import "math/rand/v2"

// IDSource hands out packet ids. It starts at a random point and counts up,
// wrapping around and skipping zero, so consecutive packets never collide
// before 65535 more have been sent.
type IDSource struct {
	current uint16
}

func NewIDSource(rng *rand.Rand) *IDSource {
	return &IDSource{current: uint16(rng.UintN(1 << 16))}
}

func (s *IDSource) Next() uint16 {
	s.current++
	if s.current == 0 {
		s.current++
	}
	return s.current
}
