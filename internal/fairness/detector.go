// Package fairness implements advisory gaming detection over bid histories.
// Detections are recorded and broadcast, never enforced: no pattern match
// disqualifies a bid or a participant automatically.
package fairness

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/procurehub/auction-engine/internal/rfq"
	"github.com/procurehub/auction-engine/internal/rules"
)

const (
	RuleDuplicateOrigin = "fairness-duplicate-origin"
	RuleBidCycling      = "fairness-bid-cycling"
	RuleBidBurst        = "fairness-bid-burst"

	// minCycleLength is the shortest alternating suffix worth flagging. Two
	// full rotations of a three-party cycle, three of a two-party one.
	minCycleLength = 6
)

// Detector scans book snapshots for coordination and manipulation patterns.
type Detector struct {
	burstThreshold int
	burstWindow    time.Duration
	logger         *zap.Logger
}

func NewDetector(burstThreshold int, burstWindow time.Duration, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		burstThreshold: burstThreshold,
		burstWindow:    burstWindow,
		logger:         logger,
	}
}

// Scan inspects one RFQ's bid history. Withdrawn bids still count: a pattern
// does not stop being a pattern because its bids were later pulled.
func (d *Detector) Scan(book *rfq.Book, now time.Time) []rules.Violation {
	var out []rules.Violation
	out = append(out, d.duplicateOrigins(book, now)...)
	out = append(out, d.cycling(book, now)...)
	out = append(out, d.bursts(book, now)...)

	for _, v := range out {
		d.logger.Warn("fairness.pattern_detected",
			zap.String("rfq_id", v.RFQID.String()),
			zap.String("rule", v.RuleID),
			zap.String("participant", v.ParticipantID),
			zap.String("reason", v.Reason))
	}
	return out
}

// duplicateOrigins flags distinct participants bidding from the same network
// origin, a common shill-bidding tell.
func (d *Detector) duplicateOrigins(book *rfq.Book, now time.Time) []rules.Violation {
	byOrigin := make(map[string][]string)
	for _, b := range book.Bids {
		if b.Origin == "" {
			continue
		}
		if !contains(byOrigin[b.Origin], b.ParticipantID) {
			byOrigin[b.Origin] = append(byOrigin[b.Origin], b.ParticipantID)
		}
	}

	origins := make([]string, 0, len(byOrigin))
	for origin, participants := range byOrigin {
		if len(participants) > 1 {
			origins = append(origins, origin)
		}
	}
	sort.Strings(origins) // deterministic output order

	var out []rules.Violation
	for _, origin := range origins {
		participants := byOrigin[origin]
		reason := fmt.Sprintf("origin %s shared by participants %s", origin, strings.Join(participants, ", "))
		for _, p := range participants {
			out = append(out, d.violation(book, RuleDuplicateOrigin, rules.SeverityWarn, p, reason, now))
		}
	}
	return out
}

// cycling flags a bid history whose tail strictly rotates between two or
// three participants, the shape of a coordinated price walk.
func (d *Detector) cycling(book *rfq.Book, now time.Time) []rules.Violation {
	seq := make([]string, len(book.Bids))
	for i, b := range book.Bids {
		seq[i] = b.ParticipantID
	}

	for _, period := range []int{2, 3} {
		length := cycleSuffix(seq, period)
		if length < minCycleLength {
			continue
		}

		ring := distinctTail(seq, period)
		if len(ring) != period {
			continue // a shorter rotation already owns this suffix
		}

		reason := fmt.Sprintf("last %d bids rotate between %s", length, strings.Join(ring, ", "))
		out := make([]rules.Violation, 0, len(ring))
		for _, p := range ring {
			out = append(out, d.violation(book, RuleBidCycling, rules.SeverityWarn, p, reason, now))
		}
		return out
	}
	return nil
}

// bursts flags a participant exceeding the rate threshold inside any sliding
// window, logged rather than warned: bursts are often legitimate automation.
func (d *Detector) bursts(book *rfq.Book, now time.Time) []rules.Violation {
	if d.burstThreshold <= 0 || d.burstWindow <= 0 {
		return nil
	}

	times := make(map[string][]time.Time)
	order := make([]string, 0)
	for _, b := range book.Bids {
		if _, seen := times[b.ParticipantID]; !seen {
			order = append(order, b.ParticipantID)
		}
		times[b.ParticipantID] = append(times[b.ParticipantID], b.SubmittedAt)
	}

	var out []rules.Violation
	for _, p := range order {
		stamps := times[p]
		peak := 1
		lo := 0
		for hi := range stamps {
			for stamps[hi].Sub(stamps[lo]) > d.burstWindow {
				lo++
			}
			if n := hi - lo + 1; n > peak {
				peak = n
			}
		}
		if peak >= d.burstThreshold {
			reason := fmt.Sprintf("%d bids inside %s", peak, d.burstWindow)
			out = append(out, d.violation(book, RuleBidBurst, rules.SeverityLog, p, reason, now))
		}
	}
	return out
}

func (d *Detector) violation(book *rfq.Book, ruleID string, sev rules.Severity, participant, reason string, now time.Time) rules.Violation {
	return rules.Violation{
		RuleID:        ruleID,
		Category:      rules.CategoryFairness,
		Severity:      sev,
		Reason:        reason,
		RFQID:         book.RFQ.ID,
		ParticipantID: participant,
		EvaluatedAt:   now,
	}
}

// cycleSuffix returns the length of the longest suffix of seq where every
// element equals the one period positions earlier.
func cycleSuffix(seq []string, period int) int {
	if len(seq) <= period {
		return 0
	}
	length := period
	for i := len(seq) - 1 - period; i >= 0; i-- {
		if seq[i] != seq[i+period] {
			break
		}
		length++
	}
	return length
}

// distinctTail returns the distinct participants among the last period
// elements, in first-seen order.
func distinctTail(seq []string, period int) []string {
	if len(seq) < period {
		return nil
	}
	tail := seq[len(seq)-period:]
	var out []string
	for _, p := range tail {
		if !contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
