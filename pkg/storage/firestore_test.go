package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/raterudder/sunsynk/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
		now:       func() time.Time { return now },
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("StatusNotFound", func(t *testing.T) {
		_, err := f.GetStatus(ctx, "missing")
		assert.ErrorIs(t, err, ErrInverterNotFound)
	})

	t.Run("EmptySerial", func(t *testing.T) {
		_, err := f.GetStatus(ctx, "")
		assert.ErrorContains(t, err, "serial cannot be empty")
	})

	t.Run("Lifecycle", func(t *testing.T) {
		require.NoError(t, f.Publish(ctx, "SN1", []types.ChannelValue{
			{Channel: "battery-soc", Value: 76.0},
			{Channel: "interval-1-time", Value: "00:00"},
		}))
		now = now.Add(time.Minute)
		require.NoError(t, f.MarkOnline(ctx, "SN1"))

		st, err := f.GetStatus(ctx, "SN1")
		require.NoError(t, err)
		assert.True(t, st.Online)
		assert.Equal(t, 76.0, st.Values["battery-soc"])
		assert.Equal(t, "00:00", st.Values["interval-1-time"])

		now = now.Add(time.Minute)
		require.NoError(t, f.MarkOffline(ctx, "SN1", "timeout"))
		now = now.Add(time.Minute)
		require.NoError(t, f.RequestReauthentication(ctx, "SN1"))

		st, err = f.GetStatus(ctx, "SN1")
		require.NoError(t, err)
		assert.False(t, st.Online)
		assert.Equal(t, "timeout", st.Reason)
		assert.True(t, st.NeedsCredentials)
		assert.Equal(t, 76.0, st.Values["battery-soc"], "values survive going offline")

		records, err := f.GetHistory(ctx, "SN1", now.Add(-time.Hour), now.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, records, 4)
		assert.Equal(t, types.RecordValues, records[0].Kind)
		assert.Equal(t, types.RecordOnline, records[1].Kind)
		assert.Equal(t, types.RecordOffline, records[2].Kind)
		assert.Equal(t, "timeout", records[2].Reason)
		assert.Equal(t, types.RecordReauth, records[3].Kind)

		records, err = f.GetHistory(ctx, "SN1", now.Add(-90*time.Second), now)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, types.RecordOffline, records[0].Kind)
	})
}
