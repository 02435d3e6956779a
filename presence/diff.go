package presence

import (
	"encoding/json"
	"fmt"
)

// DiffKind identifies which variant a Diff carries.
type DiffKind int

const (
	DiffInvalid DiffKind = iota
	DiffEntering
	DiffLeaving
	DiffCountDelta
)

// Diff is one incremental membership change. Exactly one of the three
// fields is populated; Kind reports which, or DiffInvalid when the
// message does not have exactly one.
type Diff struct {
	EnteringUsers  []UserSummary `json:"entering_users,omitempty"`
	LeavingUserIDs []int64       `json:"leaving_user_ids,omitempty"`
	CountDelta     *int          `json:"count_delta,omitempty"`
}

// EnteringDiff builds a diff announcing newly present users.
func EnteringDiff(users ...UserSummary) Diff {
	return Diff{EnteringUsers: users}
}

// LeavingDiff builds a diff announcing users that are no longer present.
func LeavingDiff(ids ...int64) Diff {
	return Diff{LeavingUserIDs: ids}
}

// CountDiff builds a count-only diff.
func CountDiff(delta int) Diff {
	return Diff{CountDelta: &delta}
}

// Kind reports the populated variant.
func (d Diff) Kind() DiffKind {
	populated := 0
	kind := DiffInvalid

	if len(d.EnteringUsers) > 0 {
		populated++
		kind = DiffEntering
	}
	if len(d.LeavingUserIDs) > 0 {
		populated++
		kind = DiffLeaving
	}
	if d.CountDelta != nil {
		populated++
		kind = DiffCountDelta
	}
	if populated != 1 {
		return DiffInvalid
	}
	return kind
}

func (k DiffKind) String() string {
	switch k {
	case DiffEntering:
		return "entering"
	case DiffLeaving:
		return "leaving"
	case DiffCountDelta:
		return "count_delta"
	default:
		return "invalid"
	}
}

// DecodeDiff parses a bus payload into a Diff, rejecting payloads that do
// not carry exactly one variant.
func DecodeDiff(data []byte) (Diff, error) {
	var d Diff
	if err := json.Unmarshal(data, &d); err != nil {
		return Diff{}, fmt.Errorf("presence: malformed diff: %w", err)
	}
	if d.Kind() == DiffInvalid {
		return Diff{}, fmt.Errorf("presence: diff must carry exactly one variant")
	}
	return d, nil
}
