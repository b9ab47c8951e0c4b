package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/procurehub/auction-engine/internal/rfq"
)

// Memory is the in-process ledger used in tests and single-node dev runs.
type Memory struct {
	mu     sync.Mutex
	chains map[uuid.UUID][]*rfq.TransitionRecord
}

func NewMemory() *Memory {
	return &Memory{chains: make(map[uuid.UUID][]*rfq.TransitionRecord)}
}

// Append seals the record onto the RFQ's chain.
func (m *Memory) Append(_ context.Context, rec *rfq.TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[rec.RFQID]
	var lastSeq uint64
	lastHash := ""
	if n := len(chain); n > 0 {
		lastSeq = chain[n-1].Seq
		lastHash = chain[n-1].Hash
	}
	if err := seal(rec, lastSeq, lastHash); err != nil {
		return err
	}

	stored := *rec
	if rec.Metadata != nil {
		stored.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			stored.Metadata[k] = v
		}
	}
	m.chains[rec.RFQID] = append(chain, &stored)
	return nil
}

// History returns copies of the RFQ's records in sequence order.
func (m *Memory) History(_ context.Context, rfqID uuid.UUID) ([]*rfq.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[rfqID]
	out := make([]*rfq.TransitionRecord, len(chain))
	for i, rec := range chain {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

// Verify recomputes the RFQ's hash chain and reports the first break.
func (m *Memory) Verify(ctx context.Context, rfqID uuid.UUID) error {
	records, err := m.History(ctx, rfqID)
	if err != nil {
		return err
	}
	return verifyChain(records)
}
