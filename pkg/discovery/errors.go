package discovery

import "errors"

var (
	ErrParseFailed  = errors.New("discovery: could not parse segment filename")
	ErrNotAttached  = errors.New("discovery: segment not attached")
	ErrAlreadyKnown = errors.New("discovery: segment already tracked")
)
