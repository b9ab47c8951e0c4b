package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/arena"
	"github.com/procurehub/auction-engine/internal/broadcast"
	"github.com/procurehub/auction-engine/internal/ledger"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// clock is a movable test clock safe for concurrent readers.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: testNow} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubDirectory struct {
	snap rfq.DirectorySnapshot
	err  error
}

func (s *stubDirectory) Snapshot(_ context.Context, _ string) (rfq.DirectorySnapshot, error) {
	if s.err != nil {
		return rfq.DirectorySnapshot{}, s.err
	}
	return s.snap, nil
}

// memStore records post-commit writes so tests can assert on the durable side.
type memStore struct {
	mu         sync.Mutex
	rfqs       map[uuid.UUID]*rfq.RFQ
	bids       map[uuid.UUID]*rfq.Bid
	extensions map[uuid.UUID][]rfq.Extension
	violations []rules.Violation
}

func newMemStore() *memStore {
	return &memStore{
		rfqs:       make(map[uuid.UUID]*rfq.RFQ),
		bids:       make(map[uuid.UUID]*rfq.Bid),
		extensions: make(map[uuid.UUID][]rfq.Extension),
	}
}

func (m *memStore) SaveRFQ(_ context.Context, r *rfq.RFQ) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rfqs[r.ID] = r.Clone()
	return nil
}

func (m *memStore) SaveBid(_ context.Context, b *rfq.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bids[b.ID] = b.Clone()
	return nil
}

func (m *memStore) SaveExtension(_ context.Context, rfqID uuid.UUID, ext *rfq.Extension) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extensions[rfqID] = append(m.extensions[rfqID], *ext)
	return nil
}

func (m *memStore) SaveViolations(_ context.Context, violations []rules.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, violations...)
	return nil
}

// fixture wires a full engine against in-memory collaborators.
type fixture struct {
	svc    *Service
	mach   *Machine
	arena  *arena.Arena
	ledger *ledger.Memory
	bcast  *broadcast.Broadcaster
	store  *memStore
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newClock()
	a := arena.New()
	led := ledger.NewMemory()
	bcast := broadcast.New(zap.NewNop())
	t.Cleanup(bcast.Close)

	arbiters := DefaultArbiters(rules.NewEngine(rules.Builtin()...), clk.Now, zap.NewNop())
	mach := NewMachine(a, led, bcast, arbiters, clk.Now, zap.NewNop())
	store := newMemStore()
	dir := &stubDirectory{snap: rfq.DirectorySnapshot{
		Tier:        2,
		Performance: d("90"),
		Proximity:   d("25"),
		Verified:    true,
	}}
	defaults := Defaults{
		MinDecrement:      d("1"),
		MaxExtensions:     3,
		ExtensionTrigger:  5 * time.Minute,
		ExtensionDuration: 3 * time.Minute,
		MaxCASRetries:     3,
	}
	svc := NewService(mach, a, arbiters, dir, nil, store, bcast, defaults, clk.Now, zap.NewNop())
	return &fixture{svc: svc, mach: mach, arena: a, ledger: led, bcast: bcast, store: store, clock: clk}
}

func (f *fixture) createRequest(auctionType rfq.AuctionType) CreateRFQRequest {
	return CreateRFQRequest{
		Title:       "hot-rolled coil Q3",
		BuyerID:     "buyer-1",
		AuctionType: auctionType,
		Window: rfq.BiddingWindow{
			OpensAt:  testNow.Add(-time.Hour),
			Deadline: testNow.Add(time.Hour),
		},
		Invited: []string{"sup-1", "sup-2", "sup-3"},
		LineItems: []rfq.LineItem{
			{ID: "li-1", Description: "hot-rolled coil", Quantity: decimal.NewFromInt(40), UnitOfMeasure: "t"},
		},
		Config: rfq.AuctionConfig{AllowRevision: true, MinDecrement: d("1.00")},
	}
}

// createOpen drives an RFQ to BIDDING_OPEN through the real command path.
func (f *fixture) createOpen(t *testing.T, auctionType rfq.AuctionType, mutate ...func(*CreateRFQRequest)) *rfq.RFQ {
	t.Helper()
	req := f.createRequest(auctionType)
	for _, m := range mutate {
		m(&req)
	}
	r, err := f.svc.CreateRFQ(context.Background(), req)
	require.NoError(t, err)
	f.transition(t, r.ID, rfq.VerbPublish)
	f.transition(t, r.ID, rfq.VerbOpenBidding)
	return r
}

func (f *fixture) transition(t *testing.T, id uuid.UUID, verb rfq.Verb, meta ...map[string]string) *rfq.TransitionResult {
	t.Helper()
	req := rfq.TransitionRequest{RFQID: id, Verb: verb, Actor: "buyer-1"}
	if len(meta) > 0 {
		req.Metadata = meta[0]
	}
	res, err := f.svc.Transition(context.Background(), req)
	require.NoError(t, err)
	return res
}

func (f *fixture) submit(t *testing.T, id uuid.UUID, participant, amount string) *rfq.Bid {
	t.Helper()
	acc, err := f.svc.SubmitBid(context.Background(), SubmitBidRequest{
		RFQID:         id,
		ParticipantID: participant,
		TotalAmount:   d(amount),
		LinePrices:    map[string]decimal.Decimal{"li-1": d(amount)},
	})
	require.NoError(t, err)
	return acc.Bid
}

// closeForEvaluation advances past the deadline and walks the RFQ to
// EVALUATION.
func (f *fixture) closeForEvaluation(t *testing.T, id uuid.UUID) {
	t.Helper()
	book, err := f.svc.GetCurrentState(id)
	require.NoError(t, err)
	if until := book.RFQ.EffectiveDeadline().Sub(f.clock.Now()); until > 0 {
		f.clock.Advance(until + time.Second)
	}
	f.transition(t, id, rfq.VerbCloseBidding)
	f.transition(t, id, rfq.VerbStartEvaluation)
}
