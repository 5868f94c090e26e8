package intent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a position in the intent lifecycle.
type Status string

const (
	StatusPendingQuote Status = "pending_quote"
	StatusQuoted       Status = "quoted"
	StatusConfirmed    Status = "confirmed"
	StatusDeposited    Status = "deposited"
	StatusFulfilled    Status = "fulfilled"
	StatusCancelled    Status = "cancelled"
	StatusExpired      Status = "expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPendingQuote,
	StatusQuoted,
	StatusConfirmed,
	StatusDeposited,
	StatusFulfilled,
	StatusCancelled,
	StatusExpired,
}

// OpenStatuses are the non-terminal statuses.
var OpenStatuses = []Status{StatusPendingQuote, StatusQuoted, StatusConfirmed, StatusDeposited}

func (s Status) String() string { return string(s) }

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusCancelled || s == StatusExpired
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v == "" {
		*s = ""
		return nil
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

var transitions = map[Status][]Status{
	StatusPendingQuote: {StatusQuoted, StatusCancelled, StatusExpired},
	StatusQuoted:       {StatusConfirmed, StatusCancelled, StatusExpired},
	StatusConfirmed:    {StatusDeposited, StatusCancelled, StatusExpired},
	StatusDeposited:    {StatusFulfilled, StatusCancelled, StatusExpired},
	StatusFulfilled:    nil,
	StatusCancelled:    nil,
	StatusExpired:      nil,
}

// forward transitions are rejected once the deadline has passed.
func forward(to Status) bool {
	return to == StatusConfirmed || to == StatusDeposited || to == StatusFulfilled
}

// ValidateTransition reports whether the table allows from -> to. Self
// transitions are always allowed.
func ValidateTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionResult is the outcome of CheckTransition.
type TransitionResult int

const (
	Accept TransitionResult = iota
	RejectInvalid
	RejectExpired
)

func (r TransitionResult) String() string {
	switch r {
	case Accept:
		return "accept"
	case RejectInvalid:
		return "reject-invalid"
	case RejectExpired:
		return "reject-expired"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// CheckTransition is the pure transition guard.
func CheckTransition(from, to Status, now, deadline time.Time) TransitionResult {
	if !ValidateTransition(from, to) {
		return RejectInvalid
	}
	if from != to && forward(to) && now.After(deadline) {
		return RejectExpired
	}
	return Accept
}

// transition moves in to the target status. It reports whether the status
// changed. Self transitions and expiry of a terminal intent are no-ops;
// cancelling a Fulfilled intent is rejected by the table.
func transition(in *Intent, to Status, now time.Time) (bool, error) {
	if in.Status == to {
		return false, nil
	}
	if to == StatusExpired && in.Status.Terminal() {
		return false, nil
	}

	switch CheckTransition(in.Status, to, now, in.Deadline) {
	case RejectInvalid:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, in.Status, to)
	case RejectExpired:
		return false, fmt.Errorf("%w: deadline %s passed", ErrExpired, in.Deadline.Format(time.RFC3339))
	}

	in.Status = to
	in.UpdatedAt = now
	if to.Terminal() {
		in.Outcome = to
		at := now
		in.FinishedAt = &at
	}
	return true, nil
}
