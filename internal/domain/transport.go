package domain

// TransportKind identifies a data-plane backend.
type TransportKind int

const (
	Direct TransportKind = iota
	P2P
	RelayedP2P
)

func (k TransportKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case P2P:
		return "p2p"
	case RelayedP2P:
		return "relayed_p2p"
	default:
		return "unknown"
	}
}

// TransportCandidate is one backend to try during negotiation. Lower
// Priority values are attempted first.
type TransportCandidate struct {
	Kind     TransportKind
	Priority int
}

// DefaultCandidates is the fixed fallback order used at negotiation start.
func DefaultCandidates() []TransportCandidate {
	return []TransportCandidate{
		{Kind: Direct, Priority: 0},
		{Kind: P2P, Priority: 1},
		{Kind: RelayedP2P, Priority: 2},
	}
}
