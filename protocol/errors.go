package protocol

import "errors"

// Protocol errors are surfaced directly to the caller. The core never
// retries them; an institution may retry against a later round.
var (
	// ErrRoundAlreadyOpen is returned by OpenRound while a round is still open.
	ErrRoundAlreadyOpen = errors.New("a round is already open")

	// ErrRoundNotAccepting is returned for submissions outside the
	// Collecting state, including submissions targeting a past round.
	ErrRoundNotAccepting = errors.New("round is not accepting submissions")

	// ErrUnknownInstitution is returned when the submitting institution
	// was not admitted to the round.
	ErrUnknownInstitution = errors.New("institution not admitted to round")

	// ErrDuplicateSubmission is returned when an institution submits more
	// than once in the same round.
	ErrDuplicateSubmission = errors.New("institution already submitted this round")

	// ErrRoundNotSealed is returned by GlobalModel for rounds that have
	// not produced a sealed aggregate.
	ErrRoundNotSealed = errors.New("round has not been sealed")

	// ErrRoundNotFound is returned for round ids that were never opened.
	ErrRoundNotFound = errors.New("round not found")
)
