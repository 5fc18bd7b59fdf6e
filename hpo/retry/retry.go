package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// === Failure classification ===

// Kind classifies why a single exchange failed.
type Kind int

const (
	// KindTransport covers connection refused, timeouts and DNS failures.
	KindTransport Kind = iota
	// KindStatus is any non-200 HTTP response.
	KindStatus
	// KindSchema is a 200 response whose body failed validation.
	KindSchema
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindSchema:
		return "schema"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// maxDetailLen bounds how much of a diagnostic body is kept.
const maxDetailLen = 512

// Failure describes one failed exchange. All kinds are retryable unless the
// policy marks the status terminal.
type Failure struct {
	Kind   Kind
	Status int    // HTTP status, set for KindStatus
	Detail string // diagnostic text: non-200 body, transport or parse error
	Err    error
}

// TransportFailure classifies a transport-level error.
func TransportFailure(err error) *Failure {
	return &Failure{Kind: KindTransport, Detail: err.Error(), Err: err}
}

// StatusFailure classifies a non-200 response. The body is kept as
// diagnostic text only.
func StatusFailure(status int, body []byte) *Failure {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen] + "..."
	}
	return &Failure{Kind: KindStatus, Status: status, Detail: detail}
}

// SchemaFailure classifies a 200 response whose body failed validation.
func SchemaFailure(err error) *Failure {
	return &Failure{Kind: KindSchema, Detail: err.Error(), Err: err}
}

func (f *Failure) Error() string {
	if f.Kind == KindStatus {
		return fmt.Sprintf("HTTP %d - %s", f.Status, f.Detail)
	}
	return fmt.Sprintf("%s error: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error { return f.Err }

// === Exhaustion ===

// ErrExhausted matches every *ExhaustedError via errors.Is.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExhaustedError is the terminal outcome of a policy run that never
// succeeded. It carries no payload.
type ExhaustedError struct {
	Op       string
	Attempts int      // exchanges actually issued
	Terminal bool     // stopped early on a terminal status
	Last     *Failure // last diagnostic seen
}

func (e *ExhaustedError) Error() string {
	reason := "maximum retry attempts exceeded"
	if e.Terminal {
		reason = "terminal response"
	}
	if e.Last == nil {
		return fmt.Sprintf("%s: %s after %d attempt(s)", e.Op, reason, e.Attempts)
	}
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Op, reason, e.Attempts, e.Last)
}

// Is reports ErrExhausted as a match.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}

// === Policy ===

// Attempt is the transient record of one failed exchange, handed to the
// observer and then dropped. Wait is zero for the final attempt.
type Attempt struct {
	Index   int
	Wait    time.Duration
	Failure *Failure
}

// Policy bounds retries of a single request/response exchange and decides
// how long to wait between attempts.
type Policy struct {
	maxAttempts int
	maxWait     time.Duration
	terminal    map[int]bool
	rng         *rand.Rand
	sleep       SleepFunc
	observer    func(Attempt)
}

// Option configures a Policy.
type Option func(*Policy)

// WithMaxWait caps a single backoff sleep. Zero or negative disables the cap.
func WithMaxWait(d time.Duration) Option {
	return func(p *Policy) { p.maxWait = d }
}

// WithTerminalStatuses marks HTTP statuses that end the exchange immediately
// (e.g. a definitive "study closed"). They are logged, not escalated.
func WithTerminalStatuses(statuses ...int) Option {
	return func(p *Policy) {
		for _, s := range statuses {
			p.terminal[s] = true
		}
	}
}

// WithRand sets the jitter source. Used by tests for deterministic waits.
func WithRand(rng *rand.Rand) Option {
	return func(p *Policy) {
		if rng != nil {
			p.rng = rng
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(p *Policy) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithObserver registers a callback invoked once per failed attempt.
func WithObserver(fn func(Attempt)) Option {
	return func(p *Policy) { p.observer = fn }
}

// NewPolicy creates a Policy allowing at most maxAttempts exchanges.
// The cap is mandatory: maxAttempts < 1 is rejected.
func NewPolicy(maxAttempts int, opts ...Option) (*Policy, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1, got %d", maxAttempts)
	}
	p := &Policy{
		maxAttempts: maxAttempts,
		maxWait:     DefaultMaxWait,
		terminal:    make(map[int]bool),
		rng:         newTimeSeededRand(),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// MaxAttempts returns the attempt cap.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// IsTerminal reports whether status ends an exchange without retry.
func (p *Policy) IsTerminal(status int) bool { return p.terminal[status] }

func (p *Policy) observe(a Attempt) {
	if p.observer != nil {
		p.observer(a)
	}
}

// Exchange performs one request/response round and returns either the parsed
// payload or a classified failure.
type Exchange[T any] func(ctx context.Context) (T, *Failure)

// Do runs exchange up to the policy's attempt cap, sleeping a jittered
// exponential backoff between attempts but never after the last one.
//
// It returns the payload on success, an *ExhaustedError when attempts run out
// or a terminal status is seen, or ctx.Err() if the context ends first.
func Do[T any](ctx context.Context, p *Policy, op string, exchange Exchange[T]) (T, error) {
	var zero T
	var last *Failure
	attempts := 0

	for a := 0; a < p.maxAttempts; a++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		logrus.Infof("%s... (attempt %d/%d)", op, a+1, p.maxAttempts)
		attempts++

		v, failure := exchange(ctx)
		if failure == nil {
			return v, nil
		}
		last = failure

		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if failure.Kind == KindStatus && p.terminal[failure.Status] {
			logrus.Infof("%s: service answered HTTP %d, not retrying: %s", op, failure.Status, failure.Detail)
			p.observe(Attempt{Index: a, Failure: failure})
			return zero, &ExhaustedError{Op: op, Attempts: attempts, Terminal: true, Last: failure}
		}
		logrus.Warnf("%s failed: %v", op, failure)

		if a == p.maxAttempts-1 {
			p.observe(Attempt{Index: a, Failure: failure})
			break
		}
		wait := p.Backoff(a)
		p.observe(Attempt{Index: a, Wait: wait, Failure: failure})
		logrus.Infof("Retrying in %.2f seconds...", wait.Seconds())
		if err := p.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}

	exhausted := &ExhaustedError{Op: op, Attempts: attempts, Last: last}
	logrus.Errorf("Maximum retry attempts exceeded: %v", exhausted)
	return zero, exhausted
}
