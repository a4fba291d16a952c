package api

import (
	"context"
	"errors"
)

// User-facing messages for failures without a server-provided detail.
const (
	MsgConnectionLost    = "Connection to the synthesis server was lost. Please try again."
	MsgServerUnreachable = "Unable to reach the synthesis server. Is it running?"
	MsgMalformedUpdate   = "The synthesis server sent an unreadable update."
	MsgUnexpectedReply   = "The synthesis server sent an unexpected response."
)

// UserMessage turns an error from this package into the text shown to the
// user. Backend rejections keep their detail; everything else maps to a
// short generic message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message()
	}

	switch {
	case errors.Is(err, ErrStreamClosed), errors.Is(err, context.DeadlineExceeded):
		return MsgConnectionLost
	case errors.Is(err, ErrMalformedEvent):
		return MsgMalformedUpdate
	case errors.Is(err, ErrUnexpectedResponse):
		return MsgUnexpectedReply
	case errors.Is(err, ErrTaskIDEmpty), errors.Is(err, ErrTextEmpty),
		errors.Is(err, ErrAudioPathEmpty), errors.Is(err, ErrMissingTaskID):
		return err.Error()
	default:
		return MsgServerUnreachable
	}
}

// StreamErrorMessage returns the text for an error event of the generation
// stream. An event without a structured message counts as a lost connection.
func StreamErrorMessage(message string) string {
	if message == "" {
		return MsgConnectionLost
	}

	return message
}

// StreamFailureMessage returns the text for a generation stream that ended
// with err instead of a terminal event. Transport failures mean the stream
// dropped, so they read as a lost connection.
func StreamFailureMessage(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message()
	}

	if errors.Is(err, ErrMalformedEvent) {
		return MsgMalformedUpdate
	}

	return MsgConnectionLost
}
