package servermonitor

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
)
