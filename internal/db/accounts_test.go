package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/aliasmail/internal/models"
	"github.com/vdavid/aliasmail/internal/testutil"
)

func newAccount(address string) *models.Account {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Account{
		ID:                  uuid.NewString(),
		Address:             address,
		IMAPServer:          "imap.gmail.com:993",
		EncryptedCredential: []byte("encrypted"),
		Status:              models.AccountActive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func TestAccountStore(t *testing.T) {
	pool := testutil.NewTestDB(t)
	store := NewAccountStore(pool)
	ctx := context.Background()

	first := newAccount("b@gmail.com")
	second := newAccount("a@gmail.com")
	require.NoError(t, store.CreateAccount(ctx, first))
	require.NoError(t, store.CreateAccount(ctx, second))

	t.Run("rejects duplicate addresses", func(t *testing.T) {
		duplicate := newAccount("b@gmail.com")
		assert.Error(t, store.CreateAccount(ctx, duplicate))
	})

	t.Run("get and list", func(t *testing.T) {
		got, err := store.GetAccount(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, first.Address, got.Address)
		assert.Equal(t, []byte("encrypted"), got.EncryptedCredential)
		assert.Equal(t, models.AccountActive, got.Status)
		assert.True(t, got.LastUsed.IsZero())

		_, err = store.GetAccount(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrAccountNotFound)

		accounts, err := store.ListAccounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 2)
		assert.Equal(t, "a@gmail.com", accounts[0].Address)
	})

	t.Run("status and credential updates", func(t *testing.T) {
		require.NoError(t, store.UpdateAccountStatus(ctx, first.ID, models.AccountAuthError, "invalid credentials"))
		require.NoError(t, store.UpdateAccountCredential(ctx, first.ID, []byte("rotated")))

		got, err := store.GetAccount(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AccountAuthError, got.Status)
		assert.Equal(t, "invalid credentials", got.StatusReason)
		assert.Equal(t, []byte("rotated"), got.EncryptedCredential)

		missing := uuid.NewString()
		assert.ErrorIs(t, store.UpdateAccountStatus(ctx, missing, models.AccountActive, ""), ErrAccountNotFound)
		assert.ErrorIs(t, store.UpdateAccountCredential(ctx, missing, nil), ErrAccountNotFound)
	})

	t.Run("usage deltas and reset", func(t *testing.T) {
		used := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, store.ApplyUsage(ctx, []models.UsageDelta{
			{AccountID: second.ID, QuotaDelta: 5, AliasDelta: 3, LastUsed: used},
			{AccountID: uuid.NewString(), QuotaDelta: 1},
		}))
		require.NoError(t, store.ApplyUsage(ctx, []models.UsageDelta{
			{AccountID: second.ID, AliasDelta: -5},
		}))
		require.NoError(t, store.ApplyUsage(ctx, nil))

		got, err := store.GetAccount(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.QuotaUsed)
		assert.Equal(t, 0, got.AliasCount, "clamped at zero")
		assert.True(t, used.Equal(got.LastUsed))

		require.NoError(t, store.ApplyUsage(ctx, []models.UsageDelta{{AccountID: second.ID, AliasDelta: 2}}))
		require.NoError(t, store.ResetAliasCounts(ctx))
		got, err = store.GetAccount(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.AliasCount)
		assert.Equal(t, int64(5), got.QuotaUsed)
	})
}
