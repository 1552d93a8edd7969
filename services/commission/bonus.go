package commission

import "fmt"

type Kind string

const (
	KindUninivel  Kind = "uninivel"
	KindMatching  Kind = "matching"
	KindFastStart Kind = "fast_start"
	KindDirect    Kind = "direct"
)

// BonusType is a closed set of variants; only this package implements it.
type BonusType interface {
	Kind() Kind
	Level() int
	bonus()
}

type Uninivel struct{ Depth int }

type Matching struct{ Depth int }

type FastStart struct{ Depth int }

// Direct pays the buyer's sponsor.
type Direct struct{}

func (Uninivel) Kind() Kind  { return KindUninivel }
func (Matching) Kind() Kind  { return KindMatching }
func (FastStart) Kind() Kind { return KindFastStart }
func (Direct) Kind() Kind    { return KindDirect }

func (b Uninivel) Level() int  { return b.Depth }
func (b Matching) Level() int  { return b.Depth }
func (b FastStart) Level() int { return b.Depth }
func (Direct) Level() int      { return 1 }

func (Uninivel) bonus()  {}
func (Matching) bonus()  {}
func (FastStart) bonus() {}
func (Direct) bonus()    {}

// Decode rebuilds the variant stored as (kind, level).
func Decode(kind Kind, level int) (BonusType, error) {
	if level < 1 {
		return nil, fmt.Errorf("bonus %s: level %d out of range", kind, level)
	}
	switch kind {
	case KindUninivel:
		return Uninivel{Depth: level}, nil
	case KindMatching:
		return Matching{Depth: level}, nil
	case KindFastStart:
		return FastStart{Depth: level}, nil
	case KindDirect:
		if level != 1 {
			return nil, fmt.Errorf("bonus direct: level %d out of range", level)
		}
		return Direct{}, nil
	default:
		return nil, fmt.Errorf("unknown bonus kind %q", kind)
	}
}
