package planner

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/archiver"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// Decision is the backup type a run settles on.
type Decision int

const (
	Skip Decision = iota
	Full
	Incremental
)

var decisionToString = map[Decision]string{
	Skip:        "skip",
	Full:        "full",
	Incremental: "incremental",
}

var stringToDecision = util.InvertMap(decisionToString)

func (d Decision) String() string {
	if str, ok := decisionToString[d]; ok {
		return str
	}
	return fmt.Sprintf("unknown_decision(%d)", d)
}

func ParseDecision(s string) (Decision, error) {
	if d, ok := stringToDecision[s]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("invalid decision: %q. Must be 'skip', 'full' or 'incremental'", s)
}

func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Kind maps Full and Incremental to their archive kind.
func (d Decision) Kind() archiver.Kind {
	if d == Incremental {
		return archiver.Incremental
	}
	return archiver.Full
}

// DetermineType decides what today's run does. A zero lastFull or lastInc
// means no archive of that kind exists.
//
//   - no full backup yet, or the last full is fullDays old: Full
//   - the last incremental is incDays old (or there is none), and no full was
//     taken today: Incremental
//   - otherwise: Skip
func DetermineType(lastFull, lastInc, today time.Time, fullDays, incDays int) Decision {
	if lastFull.IsZero() || daysBetween(lastFull, today) >= fullDays {
		return Full
	}
	incDue := lastInc.IsZero() || daysBetween(lastInc, today) >= incDays
	if incDue && !suppressIncrementalAfterSameDayFull(lastFull, today) {
		return Incremental
	}
	return Skip
}

// suppressIncrementalAfterSameDayFull holds back an incremental on the day a
// full backup was taken; it would only repeat what the full already holds.
func suppressIncrementalAfterSameDayFull(lastFull, today time.Time) bool {
	return !lastFull.IsZero() && daysBetween(lastFull, today) == 0
}

// daysBetween counts calendar days from a to b, ignoring the time of day.
func daysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}
