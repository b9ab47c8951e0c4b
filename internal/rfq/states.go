package rfq

// State is the lifecycle state of an RFQ.
type State string

const (
	StateDraft         State = "DRAFT"
	StatePublished     State = "PUBLISHED"
	StateBiddingOpen   State = "BIDDING_OPEN"
	StateBiddingClosed State = "BIDDING_CLOSED"
	StateEvaluation    State = "EVALUATION"
	StateAwarded       State = "AWARDED"
	StateCompleted     State = "COMPLETED"
	StateCancelled     State = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Valid reports whether s is one of the defined lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StatePublished, StateBiddingOpen, StateBiddingClosed,
		StateEvaluation, StateAwarded, StateCompleted, StateCancelled:
		return true
	}
	return false
}

// Verb is a named transition.
type Verb string

const (
	VerbPublish         Verb = "PUBLISH"
	VerbOpenBidding     Verb = "OPEN_BIDDING"
	VerbCloseBidding    Verb = "CLOSE_BIDDING"
	VerbStartEvaluation Verb = "START_EVALUATION"
	VerbAward           Verb = "AWARD"
	VerbComplete        Verb = "COMPLETE"
	VerbCancel          Verb = "CANCEL"

	// VerbReopenEvaluation vacates an award after the winning supplier
	// defaults, returning the RFQ to EVALUATION so a backup bid can be
	// awarded through the normal path.
	VerbReopenEvaluation Verb = "REOPEN_EVALUATION"
)

// transitions is the static adjacency table. CANCEL is handled separately:
// it is permitted from every non-terminal state.
var transitions = map[State]map[Verb]State{
	StateDraft:         {VerbPublish: StatePublished},
	StatePublished:     {VerbOpenBidding: StateBiddingOpen},
	StateBiddingOpen:   {VerbCloseBidding: StateBiddingClosed},
	StateBiddingClosed: {VerbStartEvaluation: StateEvaluation},
	StateEvaluation:    {VerbAward: StateAwarded},
	StateAwarded: {
		VerbComplete:         StateCompleted,
		VerbReopenEvaluation: StateEvaluation,
	},
}

// Next returns the target state for applying verb in state from,
// or false when the verb is not permitted there.
func Next(from State, verb Verb) (State, bool) {
	if verb == VerbCancel {
		if from.Terminal() {
			return "", false
		}
		return StateCancelled, true
	}
	to, ok := transitions[from][verb]
	return to, ok
}

// EventTypeFor maps a committed transition to its broadcast event type.
func EventTypeFor(verb Verb, to State) string {
	switch to {
	case StatePublished:
		return "rfq.published"
	case StateBiddingOpen:
		return "rfq.bidding_opened"
	case StateBiddingClosed:
		return "rfq.bidding_closed"
	case StateEvaluation:
		return "rfq.evaluation_started"
	case StateAwarded:
		return "rfq.awarded"
	case StateCompleted:
		return "rfq.completed"
	case StateCancelled:
		return "rfq.cancelled"
	}
	return "rfq.transitioned"
}
