package proxy

import (
	"fmt"
	"time"
)

// ThrottleError несет Retry-After от upstream-а: ретрай подождет ровно
// столько, сколько попросили, вместо стандартного бэкоффа.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// upstreamError — ответ upstream-а со статусом >= 500.
type upstreamError struct {
	Status  int
	Message string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
}

// ShapedError — ошибка, оформленная для исходного вызывающего:
// таймаут → 408, ошибка upstream-а → его статус и сообщение,
// всё остальное (DNS, отказ соединения) → 503.
type ShapedError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *ShapedError) Error() string {
	return fmt.Sprintf("forwarding failed (%d): %s", e.StatusCode, e.Message)
}

func (e *ShapedError) Unwrap() error { return e.Cause }
