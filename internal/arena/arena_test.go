package arena

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehub/auction-engine/internal/rfq"
)

func newTestBook() *rfq.Book {
	return rfq.NewBook(&rfq.RFQ{
		ID:          uuid.New(),
		Title:       "test rfq",
		BuyerID:     "buyer-1",
		State:       rfq.StateDraft,
		AuctionType: rfq.AuctionReverse,
		CreatedAt:   time.Now().UTC(),
	})
}

func TestArena_CreateAndGet(t *testing.T) {
	a := New()
	book := newTestBook()

	_, err := a.Create(book)
	require.NoError(t, err)

	entry, ok := a.Get(book.RFQ.ID)
	require.True(t, ok)

	got, version := entry.Read()
	assert.Equal(t, book.RFQ.ID, got.RFQ.ID)
	assert.Equal(t, uint64(0), version)
	assert.Equal(t, 1, a.Len())
}

func TestArena_CreateDuplicateFails(t *testing.T) {
	a := New()
	book := newTestBook()

	_, err := a.Create(book)
	require.NoError(t, err)

	_, err = a.Create(book)
	assert.Error(t, err)
}

func TestArena_GetUnknown(t *testing.T) {
	a := New()

	_, ok := a.Get(uuid.New())
	assert.False(t, ok)
}

func TestEntry_ReadReturnsIsolatedCopy(t *testing.T) {
	a := New()
	entry, err := a.Create(newTestBook())
	require.NoError(t, err)

	copy1, _ := entry.Read()
	copy1.RFQ.Title = "tampered"
	copy1.Bids = append(copy1.Bids, &rfq.Bid{ID: uuid.New()})

	copy2, _ := entry.Read()
	assert.Equal(t, "test rfq", copy2.RFQ.Title)
	assert.Empty(t, copy2.Bids)
}

func TestEntry_UpdateBumpsVersion(t *testing.T) {
	a := New()
	entry, err := a.Create(newTestBook())
	require.NoError(t, err)

	snap, err := entry.Update(func(book *rfq.Book) error {
		book.RFQ.State = rfq.StatePublished
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, rfq.StatePublished, snap.RFQ.State)
	assert.Equal(t, uint64(1), snap.RFQ.Version)
}

func TestEntry_UpdateErrorAppliesNothing(t *testing.T) {
	a := New()
	entry, err := a.Create(newTestBook())
	require.NoError(t, err)

	_, err = entry.Update(func(book *rfq.Book) error {
		return assert.AnError
	})
	require.Error(t, err)

	book, version := entry.Read()
	assert.Equal(t, uint64(0), version)
	assert.Equal(t, rfq.StateDraft, book.RFQ.State)
}

func TestEntry_CompareAndSet_Applies(t *testing.T) {
	a := New()
	entry, err := a.Create(newTestBook())
	require.NoError(t, err)

	_, version := entry.Read()

	snap, applied, err := entry.CompareAndSet(version, func(book *rfq.Book) error {
		book.Bids = append(book.Bids, &rfq.Bid{ID: uuid.New(), ParticipantID: "sup-1"})
		return nil
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Len(t, snap.Bids, 1)
	assert.Equal(t, version+1, snap.RFQ.Version)
}

func TestEntry_CompareAndSet_RejectsStaleVersion(t *testing.T) {
	a := New()
	entry, err := a.Create(newTestBook())
	require.NoError(t, err)

	_, stale := entry.Read()

	// Another writer intervenes.
	_, err = entry.Update(func(book *rfq.Book) error { return nil })
	require.NoError(t, err)

	called := false
	_, applied, err := entry.CompareAndSet(stale, func(book *rfq.Book) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.False(t, called)
}

func TestArena_ConcurrentUpdatesAllApply(t *testing.T) {
	a := New()
	entry, err := a.Create(newTestBook())
	require.NoError(t, err)

	const writers = 8
	const updates = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < updates; i++ {
				_, err := entry.Update(func(book *rfq.Book) error {
					book.Bids = append(book.Bids, &rfq.Bid{ID: uuid.New()})
					return nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	book, version := entry.Read()
	assert.Equal(t, uint64(writers*updates), version)
	assert.Len(t, book.Bids, writers*updates)
}

func TestArena_SnapshotCoversAllEntries(t *testing.T) {
	a := New()
	for i := 0; i < 3; i++ {
		_, err := a.Create(newTestBook())
		require.NoError(t, err)
	}

	books := a.Snapshot()
	assert.Len(t, books, 3)

	// Snapshot copies are isolated from the live entries.
	books[0].RFQ.Title = "tampered"
	entry, ok := a.Get(books[0].RFQ.ID)
	require.True(t, ok)
	live, _ := entry.Read()
	assert.Equal(t, "test rfq", live.RFQ.Title)
}
