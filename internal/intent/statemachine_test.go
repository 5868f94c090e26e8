package intent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransitionTable(t *testing.T) {
	allowed := map[Status]map[Status]bool{
		StatusPendingQuote: {StatusQuoted: true, StatusCancelled: true, StatusExpired: true},
		StatusQuoted:       {StatusConfirmed: true, StatusCancelled: true, StatusExpired: true},
		StatusConfirmed:    {StatusDeposited: true, StatusCancelled: true, StatusExpired: true},
		StatusDeposited:    {StatusFulfilled: true, StatusCancelled: true, StatusExpired: true},
	}

	// Every pair of statuses has an answer, and only the table's edges plus
	// self transitions are accepted.
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := from == to || allowed[from][to]
			assert.Equal(t, want, ValidateTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestValidateTransitionUnknownStatus(t *testing.T) {
	assert.False(t, ValidateTransition("bogus", "bogus"))
	assert.False(t, ValidateTransition("bogus", StatusQuoted))
	assert.False(t, ValidateTransition(StatusQuoted, "bogus"))
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range AllStatuses {
		terminal := s == StatusFulfilled || s == StatusCancelled || s == StatusExpired
		assert.Equal(t, terminal, s.Terminal(), s)
	}
	assert.Len(t, OpenStatuses, 4)
	for _, s := range OpenStatuses {
		assert.False(t, s.Terminal())
	}
}

func TestCheckTransitionDeadline(t *testing.T) {
	deadline := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	before := deadline.Add(-time.Second)
	after := deadline.Add(time.Second)

	tests := []struct {
		from, to Status
		now      time.Time
		want     TransitionResult
	}{
		{StatusQuoted, StatusConfirmed, before, Accept},
		{StatusQuoted, StatusConfirmed, deadline, Accept},
		{StatusQuoted, StatusConfirmed, after, RejectExpired},
		{StatusConfirmed, StatusDeposited, after, RejectExpired},
		{StatusDeposited, StatusFulfilled, after, RejectExpired},
		// Quoting, cancelling and expiring are not forward progress.
		{StatusPendingQuote, StatusQuoted, after, Accept},
		{StatusDeposited, StatusCancelled, after, Accept},
		{StatusConfirmed, StatusExpired, after, Accept},
		{StatusConfirmed, StatusConfirmed, after, Accept},
		{StatusFulfilled, StatusCancelled, before, RejectInvalid},
		{StatusPendingQuote, StatusDeposited, before, RejectInvalid},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CheckTransition(tt.from, tt.to, tt.now, deadline))
		})
	}
}

func TestTransitionSetsOutcome(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	in := &Intent{Status: StatusDeposited, Deadline: now.Add(time.Hour)}

	changed, err := transition(in, StatusFulfilled, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusFulfilled, in.Status)
	assert.Equal(t, StatusFulfilled, in.Outcome)
	require.NotNil(t, in.FinishedAt)
	assert.True(t, now.Equal(*in.FinishedAt))

	// Expiring a terminal intent changes nothing.
	changed, err = transition(in, StatusExpired, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusFulfilled, in.Status)

	_, err = transition(in, StatusCancelled, now)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestTransitionSelfIsNoop(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	in := &Intent{Status: StatusQuoted, Deadline: now.Add(-time.Hour), UpdatedAt: now.Add(-2 * time.Hour)}

	changed, err := transition(in, StatusQuoted, now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, in.UpdatedAt.Equal(now.Add(-2*time.Hour)))
}

func TestTransitionRejectsExpiredForwardMove(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	in := &Intent{Status: StatusQuoted, Deadline: now.Add(-time.Minute)}

	_, err := transition(in, StatusConfirmed, now)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, StatusQuoted, in.Status)
}

func TestStatusJSON(t *testing.T) {
	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"deposited"`), &s))
	assert.Equal(t, StatusDeposited, s)

	require.NoError(t, json.Unmarshal([]byte(`""`), &s))
	assert.Equal(t, Status(""), s)

	assert.Error(t, json.Unmarshal([]byte(`"settled"`), &s))

	_, err := ParseStatus("nope")
	assert.Error(t, err)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{ErrNotFound, KindNotFound},
		{ErrUnauthorized, KindAuthorization},
		{ErrInvalidStatus, KindState},
		{ErrExpired, KindState},
		{ErrVerificationPending, KindPending},
		{ErrVerificationFailed, KindVerification},
		{ErrInsufficientBalance, KindFatal},
		{ErrIntentHalted, KindFatal},
		{ErrDerivationFailed, KindCryptographic},
		{ErrInvalidAmount, KindValidation},
		{ErrChainNotSupported, KindValidation},
		{ErrTransferFailed, KindExternal},
		{assert.AnError, KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(opError("op", 1, tt.err)), tt.err.Error())
	}
	assert.Equal(t, Kind(""), KindOf(nil))

	err := opError("cancel_intent", 3, ErrUnauthorized)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "cancel_intent intent 3: unauthorized", err.Error())
	// Wrapping twice keeps the first classification.
	assert.Same(t, err, opError("other", 4, err))
}
