package upstream

// RateLimitedError signals that every endpoint for this attempt
// returned 429; the account is not yet marked rate-limited
// (UpstreamClient doesn't own the pool, so it hands the reset time back
// for the dispatcher to apply). The dispatcher treats
// this as "continue the retry loop", not a terminal error.
type RateLimitedError struct {
	ResetEpochMs int64
}

func (e *RateLimitedError) Error() string {
	return "all endpoints rate-limited"
}

// AuthError signals every endpoint returned 401; the token/project
// cache for this account should be invalidated before continuing.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return "authentication failed: " + e.Cause.Error()
	}
	return "authentication failed"
}

func (e *AuthError) Unwrap() error { return e.Cause }

// ServerError signals every endpoint returned 5xx or was unreachable;
// the dispatcher advances to the next account.
type ServerError struct {
	Cause error
}

func (e *ServerError) Error() string {
	if e.Cause != nil {
		return "upstream server error: " + e.Cause.Error()
	}
	return "upstream server error"
}

func (e *ServerError) Unwrap() error { return e.Cause }
