package chat

import "errors"

var (
	// ErrMessageNotFound indicates the message does not exist or was already
	// soft-deleted.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidMessage indicates empty or oversize message text.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrRateLimited indicates the origin exceeded its write quota for the
	// current window.
	ErrRateLimited = errors.New("rate limited")
	// ErrPublicDisabled indicates public chat is turned off by the chat mode.
	ErrPublicDisabled = errors.New("public chat disabled")
	// ErrPrivateDisabled indicates private chat is turned off by the chat mode.
	ErrPrivateDisabled = errors.New("private chat disabled")
	// ErrRecipientOffline indicates the private-message recipient has no live
	// session.
	ErrRecipientOffline = errors.New("recipient not online")
	// ErrAttachmentNotFound indicates the attachment is missing or past its
	// retention window.
	ErrAttachmentNotFound = errors.New("attachment not found")
)
