// Package rules is the stateless predicate layer evaluated before a bid
// commits. Evaluation is pure with respect to its inputs so it can run
// speculatively inside the compare-and-set loop.
package rules

import (
	"time"

	"github.com/google/uuid"

	"github.com/procurehub/auction-engine/internal/rfq"
)

// Category groups rules by concern.
type Category string

const (
	CategoryEligibility Category = "eligibility"
	CategoryFormat      Category = "format"
	CategoryValidity    Category = "validity"
	CategoryTiming      Category = "timing"
	CategoryFairness    Category = "fairness"
)

// Severity decides what a failed rule does: block rejects the action,
// warn and log never do.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
	SeverityLog   Severity = "log"
)

// Context carries the evaluation inputs. Now is the only clock a rule may
// read; Book is a consistent snapshot of the RFQ under evaluation.
type Context struct {
	Now  time.Time
	Book *rfq.Book
}

// Result is one rule's verdict.
type Result struct {
	Passed bool
	Reason string
}

func pass() Result {
	return Result{Passed: true}
}

func fail(reason string) Result {
	return Result{Passed: false, Reason: reason}
}

// Rule is one named predicate.
type Rule struct {
	ID       string
	Category Category
	Severity Severity
	Evaluate func(ctx Context, bid *rfq.Bid) Result
}

// Violation is a failed rule bound to the input it was evaluated against.
type Violation struct {
	RuleID        string    `json:"rule_id"`
	Category      Category  `json:"category"`
	Severity      Severity  `json:"severity"`
	Reason        string    `json:"reason"`
	RFQID         uuid.UUID `json:"rfq_id"`
	BidID         uuid.UUID `json:"bid_id,omitempty"`
	ParticipantID string    `json:"participant_id,omitempty"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// Persistent reports whether the violation must be kept for audit:
// block-severity always, and everything in the fairness category.
func (v Violation) Persistent() bool {
	return v.Severity == SeverityBlock || v.Category == CategoryFairness
}

// Outcome is the full evaluation result. Allowed is true iff no
// block-severity violation occurred.
type Outcome struct {
	Violations []Violation
	Allowed    bool
}

// FirstBlock returns the first block-severity violation, or nil.
func (o Outcome) FirstBlock() *Violation {
	for i := range o.Violations {
		if o.Violations[i].Severity == SeverityBlock {
			return &o.Violations[i]
		}
	}
	return nil
}

// Engine holds an ordered rule registry.
type Engine struct {
	rules []Rule
}

func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// Register appends a rule to the registry. Rules run in registration order.
func (e *Engine) Register(r Rule) {
	e.rules = append(e.rules, r)
}

// EvaluateAll runs every applicable rule against the bid. When categories are
// given, only rules in those categories run. Violations are returned in rule
// order; Allowed is false iff any block-severity rule failed.
func (e *Engine) EvaluateAll(ctx Context, bid *rfq.Bid, categories ...Category) Outcome {
	wanted := make(map[Category]bool, len(categories))
	for _, c := range categories {
		wanted[c] = true
	}

	out := Outcome{Allowed: true}
	for _, r := range e.rules {
		if len(wanted) > 0 && !wanted[r.Category] {
			continue
		}
		res := r.Evaluate(ctx, bid)
		if res.Passed {
			continue
		}
		v := Violation{
			RuleID:      r.ID,
			Category:    r.Category,
			Severity:    r.Severity,
			Reason:      res.Reason,
			EvaluatedAt: ctx.Now,
		}
		if ctx.Book != nil && ctx.Book.RFQ != nil {
			v.RFQID = ctx.Book.RFQ.ID
		}
		if bid != nil {
			v.BidID = bid.ID
			v.ParticipantID = bid.ParticipantID
		}
		out.Violations = append(out.Violations, v)
		if r.Severity == SeverityBlock {
			out.Allowed = false
		}
	}
	return out
}
