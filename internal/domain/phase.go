package domain

// Phase is one stage of the session state machine.
type Phase string

const (
	PhaseFunding      Phase = "FUNDING"
	PhaseTrading      Phase = "TRADING"
	PhaseCollecting   Phase = "COLLECTING"
	PhaseTransferring Phase = "TRANSFERRING"
	PhaseDistributing Phase = "DISTRIBUTING"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFailed       Phase = "FAILED"
	PhaseStopped      Phase = "STOPPED"
)

// phaseOrder lists the forward path. FAILED and STOPPED are absorbing and reachable from any
// non-terminal phase.
var phaseOrder = []Phase{
	PhaseFunding,
	PhaseTrading,
	PhaseCollecting,
	PhaseTransferring,
	PhaseDistributing,
	PhaseCompleted,
}

// IsTerminal reports whether the phase is absorbing.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseStopped
}

// Next returns the phase that follows p on the forward path.
func (p Phase) Next() (Phase, bool) {
	for i, ph := range phaseOrder {
		if ph == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Phase) bool {
	if from.IsTerminal() {
		return false
	}
	if to == PhaseFailed || to == PhaseStopped {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}
