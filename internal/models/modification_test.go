package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
)

func TestModificationRequest_Apply(t *testing.T) {
	now := time.Unix(1_700_500_000, 0)
	resume := now.Unix() + 3600

	tests := []struct {
		name    string
		typ     ModificationType
		prepare func(s *Subscription) *Subscription
		check   func(t *testing.T, next *Subscription)
		wantErr bool
	}{
		{
			name: "upgrade",
			typ:  Upgrade(amount.FromSats(2000), now.Unix()),
			check: func(t *testing.T, next *Subscription) {
				assert.Equal(t, "2000", next.Terms.Amount.String())
			},
		},
		{
			name:    "upgrade to lower amount",
			typ:     Upgrade(amount.FromSats(500), now.Unix()),
			wantErr: true,
		},
		{
			name: "downgrade",
			typ:  Downgrade(amount.FromSats(500), now.Unix()),
			check: func(t *testing.T, next *Subscription) {
				assert.Equal(t, "500", next.Terms.Amount.String())
			},
		},
		{
			name:    "downgrade to higher amount",
			typ:     Downgrade(amount.FromSats(5000), now.Unix()),
			wantErr: true,
		},
		{
			name: "change method",
			typ:  ChangeMethod("onchain"),
			check: func(t *testing.T, next *Subscription) {
				assert.Equal(t, "onchain", next.Terms.Method)
			},
		},
		{
			name:    "change to same method",
			typ:     ChangeMethod("lightning"),
			wantErr: true,
		},
		{
			name: "change billing date",
			typ:  ChangeBillingDate(15),
			check: func(t *testing.T, next *Subscription) {
				assert.Equal(t, uint8(15), next.Terms.Frequency.DayOfMonth)
			},
		},
		{
			name:    "billing date out of range",
			typ:     ChangeBillingDate(29),
			wantErr: true,
		},
		{
			name: "change frequency",
			typ:  ChangeFrequency(Weekly()),
			check: func(t *testing.T, next *Subscription) {
				assert.Equal(t, FrequencyWeekly, next.Terms.Frequency.Kind)
			},
		},
		{
			name: "cancel",
			typ:  Cancel(now.Unix()+100, "too expensive"),
			check: func(t *testing.T, next *Subscription) {
				require.NotNil(t, next.EndsAt)
				assert.Equal(t, now.Unix()+100, *next.EndsAt)
				assert.True(t, next.IsCancelled())
				assert.Equal(t, "too expensive", next.Metadata[MetaCancelReason])
			},
		},
		{
			name: "pause",
			typ:  Pause(&resume),
			check: func(t *testing.T, next *Subscription) {
				assert.True(t, next.IsPaused())
				at, ok := next.PausedAt()
				require.True(t, ok)
				assert.Equal(t, now.Unix(), at)
			},
		},
		{
			name:    "resume when not paused",
			typ:     Resume(),
			wantErr: true,
		},
		{
			name: "resume",
			typ:  Resume(),
			prepare: func(s *Subscription) *Subscription {
				return s.WithMetadata(MetaPausedAt, "1700000000")
			},
			check: func(t *testing.T, next *Subscription) {
				assert.False(t, next.IsPaused())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := testSubscription(t)
			if tt.prepare != nil {
				current = tt.prepare(current)
			}
			req := NewModificationRequest(current.SubscriptionID, RequestedBySubscriber, tt.typ, now)

			next, err := req.Apply(current)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, current.Version+1, next.Version)
			assert.Equal(t, "1000", current.Terms.Amount.String())
			assert.Equal(t, "lightning", current.Terms.Method)
			tt.check(t, next)
		})
	}
}

func TestModificationRequest_CancelledIsFinal(t *testing.T) {
	now := time.Unix(1_700_500_000, 0)
	current := testSubscription(t)

	cancelled, err := NewModificationRequest(current.SubscriptionID, RequestedByProvider, Cancel(now.Unix(), ""), now).Apply(current)
	require.NoError(t, err)

	_, err = NewModificationRequest(current.SubscriptionID, RequestedBySubscriber, ChangeMethod("onchain"), now).Apply(cancelled)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestModificationType(t *testing.T) {
	up := Upgrade(amount.FromSats(2000), 42)
	assert.True(t, up.RequiresProration())
	eff, ok := up.Effective()
	assert.True(t, ok)
	assert.Equal(t, int64(42), eff)
	assert.Equal(t, "Upgrade to 2000", up.Description())

	assert.False(t, ChangeMethod("onchain").RequiresProration())
	_, ok = Resume().Effective()
	assert.False(t, ok)
	assert.Equal(t, "Pause indefinitely", Pause(nil).Description())
}

func TestModificationHistory(t *testing.T) {
	h := NewModificationHistory("sub_test")
	_, ok := h.Latest()
	assert.False(t, ok)

	h.Record(ModificationRecord{PreviousVersion: 1, NewVersion: 2, Success: true})
	h.Record(ModificationRecord{PreviousVersion: 2, Success: false, Error: "boom"})

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.False(t, latest.Success)
	assert.Len(t, h.Successful(), 1)
}
