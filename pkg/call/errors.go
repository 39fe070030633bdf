package call

import "errors"

var (
	// ErrCallBusy is returned when an operation targets a call that already
	// has another operation in flight.
	ErrCallBusy = errors.New("call: operation already in progress for this call")

	// ErrCallNotFound is returned when an operation targets an unknown call id.
	ErrCallNotFound = errors.New("call: unknown call id")

	// ErrCallEnded is returned when an operation targets a call already in
	// ENDING or ENDED state.
	ErrCallEnded = errors.New("call: call has already ended")

	// ErrTTSFailed wraps a synthesis failure from the configured TTS provider.
	ErrTTSFailed = errors.New("call: text-to-speech synthesis failed")

	// ErrSTTUnavailable is returned when a speech recognition session could
	// not be established within its connect timeout, or when a session has
	// exhausted its reconnection attempts.
	ErrSTTUnavailable = errors.New("call: speech-to-text session unavailable")

	// ErrTranscriptTimeout is returned when no final transcript arrives
	// before the per-listen timeout elapses.
	ErrTranscriptTimeout = errors.New("call: timed out waiting for transcript")

	// ErrCancelled is returned when an in-flight operation is superseded by
	// a newer one (e.g. speak cancelled by a following endCall).
	ErrCancelled = errors.New("call: operation cancelled")

	// ErrConfigInvalid is returned when call configuration fails validation.
	ErrConfigInvalid = errors.New("call: invalid configuration")

	// ErrCarrierRejected is returned when the telephony provider refuses to
	// place or continue a call.
	ErrCarrierRejected = errors.New("call: carrier rejected the request")

	// ErrMediaTimeout is returned when the carrier's media WebSocket never
	// connects within the configured window.
	ErrMediaTimeout = errors.New("call: media stream did not connect in time")

	// ErrNilProvider is returned at registry construction when a required
	// capability provider is nil.
	ErrNilProvider = errors.New("call: required provider is nil")
)
