// Package services implements the business logic of the messaging core:
// presence, typing, read receipts, the offline queue, the send pipeline,
// reconnection sync, and notifications. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or transport codes is performed at the
// handler/consumer layer.
package services

import "errors"

var (
	// ErrEmptyMessage is returned when a chat message has no content after
	// trimming whitespace.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageTooLong is returned when message content exceeds the maximum
	// allowed length.
	ErrMessageTooLong = errors.New("message too long")

	// ErrMessageNotFound indicates that the requested message does not exist
	// or is not accessible to the current user.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotificationNotFound indicates that the requested notification does
	// not exist or does not belong to the current user.
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrSelfMessage is returned when a user attempts to open a chat with or
	// send a message to themselves.
	ErrSelfMessage = errors.New("cannot message yourself")

	// ErrNotRecipient is returned when a user attempts to acknowledge a
	// message that was not addressed to them.
	ErrNotRecipient = errors.New("not the message recipient")
)
