package presence

import "errors"

var (
	// ErrNicknameTaken indicates the nickname is held by a different live
	// session, an account, or a synthetic identity.
	ErrNicknameTaken = errors.New("nickname already in use")
	// ErrNicknameReserved indicates a reserved word was requested by a caller
	// not entitled to it.
	ErrNicknameReserved = errors.New("nickname is reserved")
	// ErrInvalidNickname indicates the nickname failed validation.
	ErrInvalidNickname = errors.New("invalid nickname")
	// ErrUnknownSession indicates no live session matches the given pair.
	ErrUnknownSession = errors.New("unknown session")
	// ErrBadCredential indicates authentication failed.
	ErrBadCredential = errors.New("invalid username or password")
	// ErrBanned indicates the origin or username is banned.
	ErrBanned = errors.New("banned")
)
