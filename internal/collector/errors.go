package collector

import "errors"

// Sentinel errors for the collector package.
var (
	ErrNoAPIKeys      = errors.New("at least one API key is required")
	ErrMissingAPIKey  = errors.New("missing API key")
	ErrInvalidAPIKey  = errors.New("invalid API key")
	ErrMalformedBatch = errors.New("malformed batch")
	ErrBodyTooLarge   = errors.New("request body too large")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrPublishFailed  = errors.New("failed to publish batch")
)
