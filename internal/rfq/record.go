package rfq

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Metadata keys with engine-defined meaning.
const (
	MetaSelectedBid   = "selectedBidId"
	MetaReason        = "reason"
	MetaDefaultedBid  = "defaultedBidId"
	MetaPurchaseOrder = "purchaseOrderId"
)

// TransitionRecord is one immutable fact in the append-only ledger. Seq,
// PrevHash and Hash are assigned by the ledger on append; each record's hash
// covers the previous record's hash, making the per-RFQ history tamper-evident.
type TransitionRecord struct {
	Seq            uint64            `json:"seq"`
	RFQID          uuid.UUID         `json:"rfq_id"`
	FromState      State             `json:"from_state"`
	ToState        State             `json:"to_state"`
	Verb           Verb              `json:"verb"`
	Actor          string            `json:"actor"`
	At             time.Time         `json:"at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	PrevHash       string            `json:"prev_hash"`
	Hash           string            `json:"hash"`
}

// Ledger is the append-only transition history. Append assigns Seq, PrevHash
// and Hash. It runs inside the transition's atomic unit: a failed append must
// leave no trace so the paired state mutation can be aborted.
type Ledger interface {
	Append(ctx context.Context, rec *TransitionRecord) error
}

// TransitionRequest asks the state machine to apply one verb.
type TransitionRequest struct {
	RFQID          uuid.UUID
	Verb           Verb
	Actor          string
	Metadata       map[string]string
	IdempotencyKey string
}

// TransitionResult is the committed (or replayed) outcome of a transition.
type TransitionResult struct {
	RFQ      *RFQ
	Seq      uint64
	Replayed bool
}
