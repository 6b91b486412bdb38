package consts

import "errors"

var (
	ErrAuthFailed      = errors.New("authentication failed")
	ErrNoSuchMessage   = errors.New("no such message")
	ErrMissingArgument = errors.New("missing argument")
	ErrInvalidArgument = errors.New("invalid argument")
)
