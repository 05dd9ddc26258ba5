package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ZentaChain/mate-node/pkg/protocol"
	"github.com/ZentaChain/mate-node/pkg/wire"
)

// RetryPolicy describes how a failed connect or exchange is retried. It only
// classifies errors and schedules attempts; it never touches the wire.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`

	RetryOnTimeout          bool `yaml:"retry_on_timeout" json:"retry_on_timeout"`
	RetryOnConnectionErrors bool `yaml:"retry_on_connection_errors" json:"retry_on_connection_errors"`
	RetryOnTransientIO      bool `yaml:"retry_on_transient_io" json:"retry_on_transient_io"`
}

// DefaultRetryPolicy: 3 attempts, 1s doubling up to 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:             3,
		BaseDelay:               time.Second,
		MaxDelay:                60 * time.Second,
		Multiplier:              2.0,
		RetryOnTimeout:          true,
		RetryOnConnectionErrors: true,
		RetryOnTransientIO:      true,
	}
}

// ConservativeRetryPolicy retries once, and never after connection errors.
func ConservativeRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:             2,
		BaseDelay:               500 * time.Millisecond,
		MaxDelay:                10 * time.Second,
		Multiplier:              1.5,
		RetryOnTimeout:          true,
		RetryOnConnectionErrors: false,
		RetryOnTransientIO:      true,
	}
}

// AggressiveRetryPolicy: 5 attempts starting at 100ms.
func AggressiveRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:             5,
		BaseDelay:               100 * time.Millisecond,
		MaxDelay:                30 * time.Second,
		Multiplier:              2.0,
		RetryOnTimeout:          true,
		RetryOnConnectionErrors: true,
		RetryOnTransientIO:      true,
	}
}

// NoRetryPolicy makes a single attempt.
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Multiplier: 1.0}
}

// Delay returns the wait before attempt+1, where attempt counts from 1:
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	limit := float64(math.MaxInt64)
	if p.MaxDelay > 0 {
		limit = float64(p.MaxDelay)
	}
	if d >= limit || math.IsInf(d, 0) || math.IsNaN(d) {
		return time.Duration(limit)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether err is worth another attempt. Address,
// authentication, size-limit and malformed-data failures are terminal.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	switch KindOf(err) {
	case ErrorKindAddress, ErrorKindAuthentication, ErrorKindNotAuthenticated, ErrorKindClosed, ErrorKindLimit:
		return false
	case ErrorKindRefused, ErrorKindDial:
		return p.RetryOnConnectionErrors
	}

	if errors.Is(err, protocol.ErrMalformedMessage) || errors.Is(err, protocol.ErrInvalidHandshake) {
		return false
	}

	switch wire.KindOf(err) {
	case wire.KindTimeout:
		return p.RetryOnTimeout
	case wire.KindIO, wire.KindClosed:
		return p.RetryOnTransientIO
	case wire.KindUnknown:
	default:
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return p.RetryOnTimeout
	}
	return false
}

// backOff builds the exponential schedule for this policy without jitter.
func (p RetryPolicy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = math.Max(p.Multiplier, 1)
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = time.Duration(math.MaxInt64)
	}
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(eb, uint64(attempts-1))
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx ends. notify, if set, is called before each wait.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, notify func(err error, attempt int, next time.Duration)) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, next time.Duration) {
			notify(err, attempt, next)
		}
	}

	return backoff.RetryNotify(operation, backoff.WithContext(p.backOff(), ctx), onRetry)
}

// RetryStrategy names a connect retry profile.
type RetryStrategy uint8

const (
	RetryNone RetryStrategy = iota
	RetryQuick
	RetryNormal
	RetryPatient
)

func (s RetryStrategy) String() string {
	switch s {
	case RetryNone:
		return "none"
	case RetryQuick:
		return "quick"
	case RetryNormal:
		return "normal"
	case RetryPatient:
		return "patient"
	default:
		return "unknown"
	}
}

// Policy returns the retry policy for the strategy.
func (s RetryStrategy) Policy() RetryPolicy {
	p := DefaultRetryPolicy()
	switch s {
	case RetryNone:
		return NoRetryPolicy()
	case RetryQuick:
		p.MaxAttempts, p.BaseDelay = 2, 500*time.Millisecond
	case RetryPatient:
		p.MaxAttempts, p.BaseDelay = 4, 2*time.Second
	default:
		p.MaxAttempts, p.BaseDelay = 3, time.Second
	}
	return p
}

// ParseRetryStrategy parses a strategy name.
func ParseRetryStrategy(s string) (RetryStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "no", "noretry":
		return RetryNone, nil
	case "quick":
		return RetryQuick, nil
	case "", "normal":
		return RetryNormal, nil
	case "patient":
		return RetryPatient, nil
	default:
		return RetryNormal, fmt.Errorf("unknown retry strategy %q", s)
	}
}
