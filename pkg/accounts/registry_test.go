package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("SwitchAndWait", func(t *testing.T) {
		r := NewMemoryRegistry(nil)
		acct := Account{ID: uuid.New(), Email: "user@example.com"}
		require.NoError(t, r.AddAccount(ctx, acct))
		require.NoError(t, r.SwitchAccount(ctx, acct.ID))
		require.NoError(t, r.WaitForActive(ctx, acct.ID, time.Second))

		active, ok, err := r.ActiveAccount(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, acct.Email, active.Email)
	})

	t.Run("WaitTimesOutWithoutSwitch", func(t *testing.T) {
		r := NewMemoryRegistry(nil)
		acct := Account{ID: uuid.New()}
		require.NoError(t, r.AddAccount(ctx, acct))

		err := r.WaitForActive(ctx, acct.ID, 30*time.Millisecond)
		assert.ErrorIs(t, err, ErrSwitchTimeout)
	})

	t.Run("SwitchUnknownAccount", func(t *testing.T) {
		r := NewMemoryRegistry(nil)
		assert.ErrorIs(t, r.SwitchAccount(ctx, uuid.New()), ErrAccountNotFound)
	})

	t.Run("AdminForcedReasonSticks", func(t *testing.T) {
		r := NewMemoryRegistry(nil)
		acct := Account{ID: uuid.New()}
		require.NoError(t, r.AddAccount(ctx, acct))

		require.NoError(t, r.SetForceResetReason(ctx, acct.ID, ResetAdminForced))
		require.NoError(t, r.SetForceResetReason(ctx, acct.ID, ResetWeakMasterPassword))

		reason, err := r.ForceResetReason(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, ResetAdminForced, reason)

		require.NoError(t, r.SetForceResetReason(ctx, acct.ID, ResetNone))
		reason, err = r.ForceResetReason(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, ResetNone, reason)
	})
}
