package arena

import (
	"slices"
	"strings"
	"time"
)

// NoSubmission is the failure recorded for participants without an outcome
// when a round closes.
const NoSubmission = "no submission / timed out"

// Outcome is one participant's execution result for a round. Exactly one of
// Result or Failure is meaningful.
type Outcome struct {
	ParticipantID string
	Elapsed       time.Duration
	Result        []int
	Failure       string
}

// Failed reports whether the execution did not produce output.
func (o Outcome) Failed() bool { return o.Failure != "" }

// BattleResult is the scored, ranked view of an Outcome.
type BattleResult struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
	ElapsedMillis int64  `json:"elapsedMillis"`
	Correct       bool   `json:"correct"`
	Rank          int    `json:"rank"`
	Failure       string `json:"failure,omitempty"`
}

// Aggregate scores outcomes against the round's input. Correct results come
// first by elapsed time, then everything else; ties go to participant id.
// Failed outcomes are charged the ceiling.
func Aggregate(testInput []int, outcomes []Outcome, ceiling time.Duration) []BattleResult {
	results := make([]BattleResult, 0, len(outcomes))
	for _, o := range outcomes {
		r := BattleResult{
			ParticipantID: o.ParticipantID,
			ElapsedMillis: o.Elapsed.Milliseconds(),
		}
		switch {
		case o.Failed():
			r.ElapsedMillis = ceiling.Milliseconds()
			r.Failure = o.Failure
		default:
			r.Failure = Verdict(testInput, o.Result)
			r.Correct = r.Failure == ""
		}
		results = append(results, r)
	}

	slices.SortFunc(results, func(a, b BattleResult) int {
		if a.Correct != b.Correct {
			if a.Correct {
				return -1
			}
			return 1
		}
		if a.ElapsedMillis != b.ElapsedMillis {
			if a.ElapsedMillis < b.ElapsedMillis {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ParticipantID, b.ParticipantID)
	})
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

// IsCorrect reports whether output is a non-decreasing permutation of input.
func IsCorrect(input, output []int) bool {
	return Verdict(input, output) == ""
}

// Verdict explains why output is not a correct sort of input, or returns ""
// when it is.
func Verdict(input, output []int) string {
	if len(output) != len(input) {
		return "output length differs from input"
	}
	for i := 1; i < len(output); i++ {
		if output[i-1] > output[i] {
			return "output is not sorted"
		}
	}
	counts := make(map[int]int, len(input))
	for _, v := range input {
		counts[v]++
	}
	for _, v := range output {
		counts[v]--
		if counts[v] < 0 {
			return "output is not a permutation of the input"
		}
	}
	return ""
}
