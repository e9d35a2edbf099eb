package oscontrol

import "errors"

var (
	ErrMalformedMessage = errors.New("oscontrol: malformed OSC message")
	ErrUnknownTypeTag   = errors.New("oscontrol: unknown OSC type tag")
	ErrClientNotFound   = errors.New("oscontrol: client not registered")
	ErrPluginNotFound   = errors.New("oscontrol: plugin not registered")
	ErrPortUnavailable  = errors.New("oscontrol: helper port unavailable")
)
