// Package spend enforces pre-authorized dollar accounting against a shared
// budget. A call authorizes an upper-bound estimate before contacting the
// backend and settles the authorization to the actual cost afterwards; each
// authorization is redeemable exactly once.
package spend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDollarLimitExceeded means an authorization would push committed
	// spend past the hard cap. Never retried.
	ErrDollarLimitExceeded = fmt.Errorf("dollar limit exceeded")
	// ErrAuthorizationInvalidated means an authorization was settled
	// twice or expired before settlement.
	ErrAuthorizationInvalidated = fmt.Errorf("authorization already settled or expired")
)

// authTimeout expires authorizations that were never settled, so a leaked
// token cannot reserve budget forever.
const authTimeout = 24 * time.Hour

// Authorization is an opaque token reserving part of the budget. It is
// created by AuthorizeSpend and destroyed by SettleSpend.
type Authorization struct {
	Dollars      float64
	ID           string
	AuthorizedAt time.Time
}

// Alert describes a crossed spend threshold.
type Alert struct {
	Level     string
	HardCap   float64
	Spent     float64
	Message   string
	Timestamp time.Time
}

const (
	AlertLevelWarning  = "warning"
	AlertLevelExceeded = "exceeded"
)

// AlertHandler receives spend alerts, e.g. to log or publish them.
type AlertHandler func(alert Alert)

// Ledger records settled spend for later inspection.
type Ledger interface {
	Record(ctx context.Context, record SettlementRecord) error
	TotalSpend(ctx context.Context, since time.Time) (float64, error)
}

// SettlementRecord is one settled authorization.
type SettlementRecord struct {
	AuthorizationID   string
	ModelName         string
	PromptTokens      int
	CompletionTokens  int
	DollarsAuthorized float64
	DollarsUsed       float64
	SettledAt         time.Time
}

// Limits tracks budget state for a process or a scoped sub-task.
type Limits struct {
	mu sync.Mutex

	hardCapDollars float64
	warnCapDollars float64
	dollarsSpent   float64

	open map[string]Authorization

	ledger        Ledger
	alertHandlers []AlertHandler
	warned        bool
}

// Option configures a Limits.
type Option func(*Limits)

// WithWarnFraction sets the warn threshold as a fraction of the hard cap.
func WithWarnFraction(fraction float64) Option {
	return func(l *Limits) {
		l.warnCapDollars = l.hardCapDollars * fraction
	}
}

// WithLedger records settlements to the given ledger.
func WithLedger(ledger Ledger) Option {
	return func(l *Limits) {
		l.ledger = ledger
	}
}

// NewLimits creates a budget with the given hard cap in dollars. By default
// the warn threshold is a quarter of the cap.
func NewLimits(maxDollars float64, opts ...Option) *Limits {
	l := &Limits{
		hardCapDollars: maxDollars,
		warnCapDollars: maxDollars * 0.25,
		open:           make(map[string]Authorization),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnAlert registers a handler for spend threshold alerts.
func (l *Limits) OnAlert(handler AlertHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alertHandlers = append(l.alertHandlers, handler)
}

// AuthorizeSpend reserves dollars against the budget. It fails with
// ErrDollarLimitExceeded when the estimate plus already-committed spend
// would exceed the hard cap; the failure is not retried.
func (l *Limits) AuthorizeSpend(ctx context.Context, dollars float64, debugInfo map[string]any) (Authorization, error) {
	l.mu.Lock()

	l.clearExpiredLocked()

	committed := l.dollarsSpent + l.openDollarsLocked()
	if committed+dollars > l.hardCapDollars {
		msg := fmt.Sprintf("tried to spend %.6f but only %.6f left (of %.6f)",
			dollars, l.hardCapDollars-committed, l.hardCapDollars)
		if debugInfo != nil {
			msg += fmt.Sprintf(", debug info: %v", debugInfo)
		}
		alert := Alert{
			Level:     AlertLevelExceeded,
			HardCap:   l.hardCapDollars,
			Spent:     committed,
			Message:   msg,
			Timestamp: time.Now().UTC(),
		}
		handlers := make([]AlertHandler, len(l.alertHandlers))
		copy(handlers, l.alertHandlers)
		l.mu.Unlock()

		for _, handler := range handlers {
			handler(alert)
		}
		return Authorization{}, fmt.Errorf("%w: %s", ErrDollarLimitExceeded, msg)
	}

	auth := Authorization{
		Dollars:      dollars,
		ID:           uuid.New().String(),
		AuthorizedAt: time.Now().UTC(),
	}
	l.open[auth.ID] = auth
	l.mu.Unlock()
	return auth, nil
}

// SettleSpend reconciles an authorization against the actual dollar cost.
// It must be called exactly once per authorization; a second settlement
// fails with ErrAuthorizationInvalidated.
func (l *Limits) SettleSpend(ctx context.Context, auth Authorization, dollars float64) error {
	l.mu.Lock()

	l.clearExpiredLocked()

	if _, ok := l.open[auth.ID]; !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAuthorizationInvalidated, auth.ID)
	}
	delete(l.open, auth.ID)
	l.dollarsSpent += dollars

	crossedWarn := !l.warned && l.dollarsSpent >= l.warnCapDollars && l.warnCapDollars > 0
	if crossedWarn {
		l.warned = true
	}
	spent := l.dollarsSpent
	hardCap := l.hardCapDollars
	handlers := make([]AlertHandler, len(l.alertHandlers))
	copy(handlers, l.alertHandlers)
	ledger := l.ledger
	l.mu.Unlock()

	if ledger != nil {
		record := SettlementRecord{
			AuthorizationID:   auth.ID,
			DollarsAuthorized: auth.Dollars,
			DollarsUsed:       dollars,
			SettledAt:         time.Now().UTC(),
		}
		if err := ledger.Record(ctx, record); err != nil {
			slog.Warn("failed to record settlement", "error", err, "authorization_id", auth.ID)
		}
	}

	if crossedWarn {
		alert := Alert{
			Level:     AlertLevelWarning,
			HardCap:   hardCap,
			Spent:     spent,
			Message:   fmt.Sprintf("spent $%.4f already (will be stopped at $%.4f)", spent, hardCap),
			Timestamp: time.Now().UTC(),
		}
		for _, handler := range handlers {
			handler(alert)
		}
	}

	return nil
}

// DollarsSpent is the total settled spend so far.
func (l *Limits) DollarsSpent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dollarsSpent
}

// DollarsCommitted is settled spend plus open authorizations.
func (l *Limits) DollarsCommitted() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dollarsSpent + l.openDollarsLocked()
}

// OpenAuthorizations is the number of unsettled authorizations.
func (l *Limits) OpenAuthorizations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

func (l *Limits) openDollarsLocked() float64 {
	var total float64
	for _, auth := range l.open {
		total += auth.Dollars
	}
	return total
}

func (l *Limits) clearExpiredLocked() {
	now := time.Now().UTC()
	for id, auth := range l.open {
		if now.Sub(auth.AuthorizedAt) >= authTimeout {
			delete(l.open, id)
		}
	}
}

// LogAlertHandler writes spend alerts to the structured log.
func LogAlertHandler(alert Alert) {
	slog.Warn("spend alert",
		"level", alert.Level,
		"spent", alert.Spent,
		"hard_cap", alert.HardCap,
		"message", alert.Message,
	)
}

var (
	globalMu     sync.RWMutex
	globalLimits *Limits
)

// SetGlobal installs a process-wide budget. Passing nil returns the process
// to unmetered mode.
func SetGlobal(limits *Limits) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLimits = limits
}

// Global returns the process-wide budget, or nil in unmetered mode.
func Global() *Limits {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLimits
}
