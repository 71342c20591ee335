package tcb

import "github.com/soypat/tcbstack/internal"

// prng is a tiny xorshift generator used to pick initial sequence numbers.
// It is seeded once per [Table] from wall
// time; it is not a cryptographic ISS generator (see DESIGN.md on why
// golang.org/x/crypto was not wired in for this).
type prng struct {
	state uint32
}

func (p *prng) seed(s uint32) {
	if s == 0 {
		s = 0x2545F491
	}
	p.state = s
}

func (p *prng) next32() uint32 {
	p.state = internal.Prand32(p.state)
	return p.state
}

func (p *prng) next32AsValue() Value { return Value(p.next32()) }
