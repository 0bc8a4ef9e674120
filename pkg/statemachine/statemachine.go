// Package statemachine defines the decision lifecycle: the fixed set of
// states and event types, and the sparse transition table between them.
package statemachine

// State is a Decision's lifecycle stage.
type State string

const (
	StateDraft     State = "DRAFT"
	StateValidated State = "VALIDATED"
	StateSimulated State = "SIMULATED"
	StateExplained State = "EXPLAINED"
	StateApproved  State = "APPROVED"
	StateRejected  State = "REJECTED"
	StateDisputed  State = "DISPUTED"
	StateLocked    State = "LOCKED"
)

// EventType is the discriminator of an event payload's tagged union.
type EventType string

const (
	EventValidate          EventType = "VALIDATE"
	EventSimulate          EventType = "SIMULATE"
	EventExplain           EventType = "EXPLAIN"
	EventApprove           EventType = "APPROVE"
	EventReject            EventType = "REJECT"
	EventAttachArtifacts   EventType = "ATTACH_ARTIFACTS"
	EventIngestRecords     EventType = "INGEST_RECORDS"
	EventLinkDecisions     EventType = "LINK_DECISIONS"
	EventEnterDispute      EventType = "ENTER_DISPUTE"
	EventAttestExternal    EventType = "ATTEST_EXTERNAL"
	EventFork              EventType = "FORK"
	EventCommitCounterfact EventType = "COMMIT_COUNTERFACTUAL"
	EventLock              EventType = "LOCK"
)

// transition is a key into the sparse transition table.
type transition struct {
	from  State
	event EventType
}

// disputable is the set of states a decision can leave via ENTER_DISPUTE:
// the working states DRAFT, VALIDATED, SIMULATED and EXPLAINED. APPROVED,
// REJECTED and LOCKED cannot be disputed, and DISPUTED cannot dispute
// itself again.
var disputable = map[State]bool{
	StateDraft:     true,
	StateValidated: true,
	StateSimulated: true,
	StateExplained: true,
}

// table maps (state, event) to the resulting state for every allowed
// transition. Anything absent is not allowed (Allowed reports false, and
// the reducer rejects the event with INVALID_TRANSITION).
var table = map[transition]State{
	{StateDraft, EventValidate}:        StateValidated,
	{StateDraft, EventAttachArtifacts}: StateDraft,
	{StateDraft, EventIngestRecords}:   StateDraft,
	{StateDraft, EventFork}:            StateDraft,
	{StateDraft, EventCommitCounterfact}: StateDraft,

	{StateValidated, EventSimulate}:        StateSimulated,
	{StateValidated, EventAttachArtifacts}: StateValidated,
	{StateValidated, EventLinkDecisions}:   StateValidated,
	{StateValidated, EventEnterDispute}:    StateDisputed,
	{StateValidated, EventFork}:            StateValidated,
	{StateValidated, EventCommitCounterfact}: StateValidated,

	{StateSimulated, EventExplain}:           StateExplained,
	{StateSimulated, EventAttachArtifacts}:   StateSimulated,
	{StateSimulated, EventLinkDecisions}:     StateSimulated,
	{StateSimulated, EventEnterDispute}:      StateDisputed,
	{StateSimulated, EventFork}:              StateSimulated,
	{StateSimulated, EventCommitCounterfact}: StateSimulated,

	{StateExplained, EventApprove}:           StateApproved,
	{StateExplained, EventReject}:            StateRejected,
	{StateExplained, EventAttachArtifacts}:   StateExplained,
	{StateExplained, EventLinkDecisions}:     StateExplained,
	{StateExplained, EventEnterDispute}:      StateDisputed,
	{StateExplained, EventFork}:              StateExplained,
	{StateExplained, EventCommitCounterfact}: StateExplained,

	{StateApproved, EventLock}: StateLocked,
	{StateRejected, EventLock}: StateLocked,
}

// disputedAllowed is the set of event types accepted while DISPUTED (audit-safe
// events only); everything else fails FROZEN.
var disputedAllowed = map[EventType]bool{
	EventAttachArtifacts: true,
	EventAttestExternal:  true,
}

// Allowed reports whether event may be applied to a decision in state
// from, and if so, the resulting state.
//
// lockedAllow is the set of event types the active immutability policy
// permits while LOCKED; callers in DRAFT..EXPLAINED pass nil.
func Allowed(from State, event EventType, lockedAllow map[EventType]bool) (State, bool) {
	if from == StateDisputed {
		if disputedAllowed[event] {
			return StateDisputed, true
		}
		return "", false
	}
	if from == StateLocked {
		if lockedAllow != nil && lockedAllow[event] {
			return StateLocked, true
		}
		return "", false
	}
	to, ok := table[transition{from, event}]
	return to, ok
}

// CanDispute reports whether a decision currently in state s may transition
// to DISPUTED via ENTER_DISPUTE. Kept separate from Allowed's table lookup
// since dispute is a side transition available from every working state,
// not a single (from,event) cell.
func CanDispute(s State) bool {
	return disputable[s]
}

// IsTerminal reports whether s has no further happy-path transitions absent
// an explicit LOCKED policy allowance (APPROVED/REJECTED/LOCKED).
func IsTerminal(s State) bool {
	return s == StateApproved || s == StateRejected || s == StateLocked
}

// Valid reports whether s is one of the fixed states.
func Valid(s State) bool {
	switch s {
	case StateDraft, StateValidated, StateSimulated, StateExplained,
		StateApproved, StateRejected, StateDisputed, StateLocked:
		return true
	default:
		return false
	}
}
