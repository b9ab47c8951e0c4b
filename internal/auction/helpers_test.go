package auction

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/procurehub/auction-engine/internal/arena"
	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func builtinEngine() *rules.Engine { return rules.NewEngine(rules.Builtin()...) }

// newEntry seeds an arena entry with an RFQ open for bidding, one line item
// and three invited suppliers.
func newEntry(t *testing.T, auctionType rfq.AuctionType, mutate ...func(*rfq.RFQ)) *arena.Entry {
	t.Helper()
	r := &rfq.RFQ{
		ID:          uuid.New(),
		Title:       "hot-rolled coil Q3",
		BuyerID:     "buyer-1",
		State:       rfq.StateBiddingOpen,
		AuctionType: auctionType,
		Invited:     []string{"sup-1", "sup-2", "sup-3"},
		LineItems: []rfq.LineItem{
			{ID: "li-1", Description: "hot-rolled coil", Quantity: decimal.NewFromInt(40), UnitOfMeasure: "t"},
		},
		Window: rfq.BiddingWindow{
			OpensAt:  testNow.Add(-time.Hour),
			Deadline: testNow.Add(time.Hour),
		},
		Config: rfq.AuctionConfig{
			AllowRevision: true,
			MinDecrement:  d("1.00"),
			MaxCASRetries: 3,
		},
	}
	for _, m := range mutate {
		m(r)
	}
	entry, err := arena.New().Create(rfq.NewBook(r))
	require.NoError(t, err)
	return entry
}

func newBid(participant, amount string) *rfq.Bid {
	return &rfq.Bid{
		ID:            uuid.New(),
		ParticipantID: participant,
		TotalAmount:   d(amount),
		LinePrices:    map[string]decimal.Decimal{"li-1": d(amount)},
		Snapshot:      rfq.DirectorySnapshot{Verified: true},
	}
}
