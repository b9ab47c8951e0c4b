package fairness

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func historyBid(participant, origin string, at time.Time) *rfq.Bid {
	return &rfq.Bid{
		ID:            uuid.New(),
		ParticipantID: participant,
		Origin:        origin,
		SubmittedAt:   at,
	}
}

func historyBook(bids ...*rfq.Bid) *rfq.Book {
	book := rfq.NewBook(&rfq.RFQ{ID: uuid.New(), State: rfq.StateBiddingOpen})
	book.Bids = bids
	return book
}

func TestScan_CleanHistory(t *testing.T) {
	d := NewDetector(10, 10*time.Second, nil)
	book := historyBook(
		historyBid("sup-1", "10.0.0.1", testNow),
		historyBid("sup-2", "10.0.0.2", testNow.Add(time.Minute)),
		historyBid("sup-1", "10.0.0.1", testNow.Add(2*time.Minute)),
	)

	assert.Empty(t, d.Scan(book, testNow))
}

// --- duplicate origin ---

func TestDuplicateOrigin_FlagsSharedOrigin(t *testing.T) {
	d := NewDetector(10, 10*time.Second, nil)
	book := historyBook(
		historyBid("sup-1", "10.0.0.9", testNow),
		historyBid("sup-2", "10.0.0.9", testNow.Add(time.Minute)),
	)

	violations := d.Scan(book, testNow)

	require.Len(t, violations, 2, "one advisory per involved participant")
	for _, v := range violations {
		assert.Equal(t, RuleDuplicateOrigin, v.RuleID)
		assert.Equal(t, rules.CategoryFairness, v.Category)
		assert.Equal(t, rules.SeverityWarn, v.Severity)
		assert.Contains(t, v.Reason, "10.0.0.9")
		assert.Contains(t, v.Reason, "sup-1")
		assert.Contains(t, v.Reason, "sup-2")
		assert.Equal(t, book.RFQ.ID, v.RFQID)
	}
}

func TestDuplicateOrigin_SameParticipantIsFine(t *testing.T) {
	d := NewDetector(10, 10*time.Second, nil)
	book := historyBook(
		historyBid("sup-1", "10.0.0.9", testNow),
		historyBid("sup-1", "10.0.0.9", testNow.Add(time.Minute)),
	)

	assert.Empty(t, d.Scan(book, testNow))
}

func TestDuplicateOrigin_EmptyOriginIgnored(t *testing.T) {
	d := NewDetector(10, 10*time.Second, nil)
	book := historyBook(
		historyBid("sup-1", "", testNow),
		historyBid("sup-2", "", testNow.Add(time.Minute)),
	)

	assert.Empty(t, d.Scan(book, testNow))
}

// --- cycling ---

func cyclingBook(participants ...string) *rfq.Book {
	bids := make([]*rfq.Bid, len(participants))
	for i, p := range participants {
		bids[i] = historyBid(p, "", testNow.Add(time.Duration(i)*time.Minute))
	}
	return historyBook(bids...)
}

func TestCycling_TwoPartyRotationFlagged(t *testing.T) {
	d := NewDetector(10, 10*time.Second, nil)
	book := cyclingBook("sup-1", "sup-2", "sup-1", "sup-2", "sup-1", "sup-2")

	violations := d.Scan(book, testNow)

	require.Len(t, violations, 2)
	assert.Equal(t, RuleBidCycling, violations[0].RuleID)
	assert.Equal(t, rules.SeverityWarn, violations[0].Severity)
	assert.Contains(t, violations[0].Reason, "sup-1")
	assert.Contains(t, violations[0].Reason, "sup-2")
}

func TestCycling_ThreePartyRotationFlagged(t *testing.T) {
	d := NewDetector(10, 10*time.Second, nil)
	book := cyclingBook("sup-1", "sup-2", "sup-3", "sup-1", "sup-2", "sup-3")

	violations := d.Scan(book, testNow)

	require.Len(t, violations, 3)
	for _, v := range violations {
		assert.Equal(t, RuleBidCycling, v.RuleID)
	}
}

func TestCycling_ShortSuffixIgnored(t *testing.T) {
	d := NewDetector(10, 10*time.Second, nil)
	book := cyclingBook("sup-1", "sup-2", "sup-1", "sup-2")

	assert.Empty(t, d.Scan(book, testNow))
}

func TestCycling_BrokenRotationIgnored(t *testing.T) {
	d := NewDetector(10, 10*time.Second, nil)
	book := cyclingBook("sup-1", "sup-2", "sup-1", "sup-2", "sup-1", "sup-3")

	assert.Empty(t, d.Scan(book, testNow))
}

func TestCycling_SoloImprovementIsNotACycle(t *testing.T) {
	d := NewDetector(10, 10*time.Second, nil)
	book := cyclingBook("sup-1", "sup-1", "sup-1", "sup-1", "sup-1", "sup-1")

	assert.Empty(t, d.Scan(book, testNow))
}

// --- bursts ---

func TestBurst_FlagsRapidSubmissions(t *testing.T) {
	d := NewDetector(5, 10*time.Second, nil)
	bids := make([]*rfq.Bid, 5)
	for i := range bids {
		bids[i] = historyBid("sup-1", "", testNow.Add(time.Duration(i)*time.Second))
	}
	book := historyBook(bids...)

	violations := d.Scan(book, testNow)

	require.Len(t, violations, 1)
	assert.Equal(t, RuleBidBurst, violations[0].RuleID)
	assert.Equal(t, rules.SeverityLog, violations[0].Severity)
	assert.Equal(t, "sup-1", violations[0].ParticipantID)
	assert.Contains(t, violations[0].Reason, "5 bids")
}

func TestBurst_SpreadSubmissionsClean(t *testing.T) {
	d := NewDetector(5, 10*time.Second, nil)
	bids := make([]*rfq.Bid, 5)
	for i := range bids {
		bids[i] = historyBid("sup-1", "", testNow.Add(time.Duration(i)*time.Minute))
	}
	book := historyBook(bids...)

	assert.Empty(t, d.Scan(book, testNow))
}

func TestBurst_DisabledWhenUnconfigured(t *testing.T) {
	d := NewDetector(0, 0, nil)
	bids := make([]*rfq.Bid, 20)
	for i := range bids {
		bids[i] = historyBid("sup-1", "", testNow)
	}
	book := historyBook(bids...)

	assert.Empty(t, d.Scan(book, testNow))
}

// Advisory detections always allow: they must survive the persistence filter
// but never block a submission.
func TestScan_ViolationsAreAdvisoryAndPersistent(t *testing.T) {
	d := NewDetector(5, 10*time.Second, nil)
	book := historyBook(
		historyBid("sup-1", "10.0.0.9", testNow),
		historyBid("sup-2", "10.0.0.9", testNow),
	)

	for _, v := range d.Scan(book, testNow) {
		assert.NotEqual(t, rules.SeverityBlock, v.Severity)
		assert.True(t, v.Persistent())
	}
}
