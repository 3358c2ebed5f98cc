package account

import "time"

func epochToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// NowMs is the epoch-millisecond clock used throughout the pool and
// token store; callers inject it so tests can control time deterministically.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
