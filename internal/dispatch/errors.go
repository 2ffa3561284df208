package dispatch

import "errors"

var (
	// ErrThrottled is returned for deliveries dropped by the outbound rate limit.
	ErrThrottled = errors.New("delivery throttled")

	// ErrNotAccepted marks a delivery the downstream channel refused.
	ErrNotAccepted = errors.New("delivery not accepted")

	// ErrInvalidConfig indicates a dispatcher option is out of range.
	ErrInvalidConfig = errors.New("invalid dispatch config")
)
