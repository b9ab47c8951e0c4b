// Package extension implements anti-sniping deadline extensions.
//
// When a bid lands inside the trigger window before the deadline, the
// deadline moves out by the configured duration so competitors get a fair
// chance to respond. Extensions are bounded; once the cap is reached bids
// are still accepted but the deadline no longer moves.
package extension

import (
	"time"

	"github.com/procurehub/auction-engine/internal/rfq"
)

// Apply checks whether a bid accepted at now falls inside the trigger window
// and, if so, pushes the deadline out. It mutates r in place and therefore
// must be called while the caller holds the RFQ's write section, in the same
// atomic unit as the bid acceptance it belongs to.
//
// The returned extension is nil when no extension was applied. limitReached
// is true when the trigger window was hit but the extension cap forbade
// another move; callers surface that on the acceptance so participants know
// the deadline is final.
func Apply(r *rfq.RFQ, now time.Time) (*rfq.Extension, bool) {
	cfg := r.Config
	if cfg.ExtensionTrigger <= 0 || cfg.ExtensionDuration <= 0 {
		return nil, false
	}

	deadline := r.Window.Deadline
	if now.Before(deadline.Add(-cfg.ExtensionTrigger)) {
		return nil, false
	}
	if !now.Before(deadline) {
		// Too late: the window already closed, nothing to extend.
		return nil, false
	}

	if len(r.Extensions) >= cfg.MaxExtensions {
		return nil, true
	}

	// Each extension moves the deadline from its previous value, so back to
	// back triggers accumulate rather than re-anchoring on the bid time.
	ext := rfq.Extension{
		Seq:          len(r.Extensions) + 1,
		TriggeredAt:  now,
		PrevDeadline: deadline,
		NewDeadline:  deadline.Add(cfg.ExtensionDuration),
	}
	r.Window.Deadline = ext.NewDeadline
	r.Extensions = append(r.Extensions, ext)
	return &ext, false
}

// WindowFinal reports whether the deadline can no longer move, either because
// extensions are disabled or the cap has been consumed.
func WindowFinal(r *rfq.RFQ) bool {
	cfg := r.Config
	if cfg.ExtensionTrigger <= 0 || cfg.ExtensionDuration <= 0 {
		return true
	}
	return len(r.Extensions) >= cfg.MaxExtensions
}
