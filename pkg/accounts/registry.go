package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ForceResetReason records why an account must change its master password.
type ForceResetReason int

const (
	ResetNone ForceResetReason = iota
	ResetWeakMasterPassword
	ResetAdminForced
)

func (r ForceResetReason) String() string {
	switch r {
	case ResetWeakMasterPassword:
		return "weakMasterPassword"
	case ResetAdminForced:
		return "adminForced"
	default:
		return "none"
	}
}

// Account is a registered user profile.
type Account struct {
	ID            uuid.UUID
	Email         string
	Name          string
	EmailVerified bool
}

var (
	ErrAccountNotFound = errors.New("account not found")
	// ErrSwitchTimeout means an account switch was requested but never
	// observed to take effect within the bounded wait.
	ErrSwitchTimeout = errors.New("timed out waiting for account activation")
)

// Registry tracks known accounts and which one is active.
type Registry interface {
	AddAccount(ctx context.Context, account Account) error
	// SwitchAccount requests activation of an account. Activation may
	// complete asynchronously; use WaitForActive to confirm.
	SwitchAccount(ctx context.Context, userID uuid.UUID) error
	// WaitForActive blocks until the given account is observed active or
	// the timeout elapses.
	WaitForActive(ctx context.Context, userID uuid.UUID, timeout time.Duration) error
	ActiveAccount(ctx context.Context) (Account, bool, error)

	SetForceResetReason(ctx context.Context, userID uuid.UUID, reason ForceResetReason) error
	ForceResetReason(ctx context.Context, userID uuid.UUID) (ForceResetReason, error)
	SetUsesKeyConnector(ctx context.Context, userID uuid.UUID, uses bool) error
}

// MemoryRegistry is the in-process Registry. Activation is applied on a
// separate goroutine to mirror hosts where account switches propagate
// through an async state layer, which is exactly the race the engine's
// bounded wait guards against.
type MemoryRegistry struct {
	mu       sync.Mutex
	cond     *sync.Cond
	accounts map[uuid.UUID]*accountState
	active   uuid.UUID
	logger   *slog.Logger
}

type accountState struct {
	account          Account
	forceResetReason ForceResetReason
	usesKeyConnector bool
}

func NewMemoryRegistry(logger *slog.Logger) *MemoryRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &MemoryRegistry{
		accounts: make(map[uuid.UUID]*accountState),
		logger:   logger,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *MemoryRegistry) AddAccount(_ context.Context, account Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.ID] = &accountState{account: account}
	return nil
}

func (r *MemoryRegistry) SwitchAccount(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	_, ok := r.accounts[userID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}

	go func() {
		r.mu.Lock()
		r.active = userID
		r.mu.Unlock()
		r.cond.Broadcast()
	}()
	return nil
}

func (r *MemoryRegistry) WaitForActive(ctx context.Context, userID uuid.UUID, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	// Wake the waiter periodically so both the deadline and context
	// cancellation are honored.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.cond.Broadcast()
			}
		}
	}()
	defer close(stop)

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.active != userID {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			r.logger.Error("account activation did not propagate", "userID", userID, "timeout", timeout)
			return ErrSwitchTimeout
		}
		r.cond.Wait()
	}
	return nil
}

func (r *MemoryRegistry) ActiveAccount(_ context.Context) (Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.accounts[r.active]
	if !ok {
		return Account{}, false, nil
	}
	return st.account, true, nil
}

func (r *MemoryRegistry) SetForceResetReason(_ context.Context, userID uuid.UUID, reason ForceResetReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.accounts[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	// An admin-forced reset already guarantees a policy-compliant new
	// password; only None may replace it.
	if st.forceResetReason == ResetAdminForced && reason != ResetNone {
		return nil
	}
	st.forceResetReason = reason
	return nil
}

func (r *MemoryRegistry) ForceResetReason(_ context.Context, userID uuid.UUID) (ForceResetReason, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.accounts[userID]
	if !ok {
		return ResetNone, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	return st.forceResetReason, nil
}

func (r *MemoryRegistry) SetUsesKeyConnector(_ context.Context, userID uuid.UUID, uses bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.accounts[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	st.usesKeyConnector = uses
	return nil
}
