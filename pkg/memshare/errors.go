package memshare

import "errors"

// Failure kinds returned by Segment operations. Callers should compare
// with errors.Is; wrapped errors carry additional context via %w.
var (
	ErrNotInitialized      = errors.New("memshare: segment not initialized")
	ErrArenaOverflow       = errors.New("memshare: data arena overflow")
	ErrConsumerTableFull   = errors.New("memshare: consumer table full")
	ErrConsumerNotRegistered = errors.New("memshare: consumer not registered")
	ErrConsumerExists      = errors.New("memshare: consumer already registered")
	ErrInvalidConsumerID   = errors.New("memshare: consumer id 0 is reserved")
	ErrQueueFull           = errors.New("memshare: queue full, requiresAck prevents eviction")
	ErrCorrupt             = errors.New("memshare: descriptor failed bounds validation")
	ErrPlatformIO          = errors.New("memshare: platform I/O failure")
	ErrNoData              = errors.New("memshare: no data available")
	ErrBufferNotFound      = errors.New("memshare: buffer id not found")
	ErrMaxQueueSizeMismatch = errors.New("memshare: maxQueueSize mismatch on attach")
)
