package server

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotInitialized  = errors.New("server is not initialized")
	ErrClosed          = errors.New("server is closed")
	ErrChannelClosed   = errors.New("channel is closed")
)
