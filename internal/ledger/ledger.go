// Package ledger implements the append-only transition history. Each record
// is chained to its predecessor by a SHA-256 hash over the previous hash and
// the canonical record body, so any mutation of a historical record breaks
// verification of everything after it.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/procurehub/auction-engine/internal/rfq"
)

// recordBody is the canonical hashed form of a record: fixed field order,
// map keys sorted by encoding/json.
type recordBody struct {
	Seq            uint64            `json:"seq"`
	RFQID          uuid.UUID         `json:"rfq_id"`
	FromState      rfq.State         `json:"from_state"`
	ToState        rfq.State         `json:"to_state"`
	Verb           rfq.Verb          `json:"verb"`
	Actor          string            `json:"actor"`
	At             time.Time         `json:"at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// hashRecord computes the chain hash for rec, which must already carry its Seq.
func hashRecord(prevHash string, rec *rfq.TransitionRecord) (string, error) {
	body := recordBody{
		Seq:            rec.Seq,
		RFQID:          rec.RFQID,
		FromState:      rec.FromState,
		ToState:        rec.ToState,
		Verb:           rec.Verb,
		Actor:          rec.Actor,
		At:             rec.At,
		Metadata:       rec.Metadata,
		IdempotencyKey: rec.IdempotencyKey,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode record body: %w", err)
	}
	sum := sha256.Sum256(append([]byte(prevHash), raw...))
	return hex.EncodeToString(sum[:]), nil
}

// seal assigns Seq, PrevHash and Hash given the chain tail.
func seal(rec *rfq.TransitionRecord, lastSeq uint64, lastHash string) error {
	rec.Seq = lastSeq + 1
	rec.PrevHash = lastHash
	h, err := hashRecord(lastHash, rec)
	if err != nil {
		return err
	}
	rec.Hash = h
	return nil
}

// verifyChain recomputes every hash in order and reports the first break.
func verifyChain(records []*rfq.TransitionRecord) error {
	prevHash := ""
	for i, rec := range records {
		if rec.Seq != uint64(i+1) {
			return fmt.Errorf("ledger: gap at position %d, got seq %d", i+1, rec.Seq)
		}
		if rec.PrevHash != prevHash {
			return fmt.Errorf("ledger: record %d prev_hash mismatch", rec.Seq)
		}
		want, err := hashRecord(prevHash, rec)
		if err != nil {
			return err
		}
		if rec.Hash != want {
			return fmt.Errorf("ledger: record %d hash mismatch, history tampered", rec.Seq)
		}
		prevHash = rec.Hash
	}
	return nil
}
