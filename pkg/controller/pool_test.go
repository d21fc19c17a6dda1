package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raterudder/sunsynk/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	t.Run("Discover", func(t *testing.T) {
		session := &mockSession{}
		client := &mockClient{}
		observer := &mockObserver{}
		session.On("Token", mock.Anything).Return("tok", nil)
		client.On("ListInverters", mock.Anything, "tok").Return([]types.Inverter{
			{SerialNumber: "B2", Alias: "Shed"},
			{SerialNumber: "A1", Alias: "Garage"},
		}, nil)
		client.On("FetchSettings", mock.Anything, mock.Anything, "tok").Return(testSettings(""), nil).Maybe()
		client.On("FetchTelemetry", mock.Anything, mock.Anything, "tok").Return(testTelemetry(), nil).Maybe()
		allowObserver(observer)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p := NewPool(session, client, observer, time.Hour)
		require.NoError(t, p.Start(ctx, nil))
		defer p.Stop()

		cs := p.Controllers()
		require.Len(t, cs, 2)
		assert.Equal(t, "A1", cs[0].Serial())
		assert.Equal(t, "B2", cs[1].Serial())

		inv, ok := p.Inverter("B2")
		require.True(t, ok)
		assert.Equal(t, "Shed", inv.Alias)
	})

	t.Run("Configured", func(t *testing.T) {
		session := &mockSession{}
		client := &mockClient{}
		observer := &mockObserver{}
		client.On("FetchSettings", mock.Anything, mock.Anything, mock.Anything).Return(types.Settings{}, errors.New("offline")).Maybe()
		session.On("Token", mock.Anything).Return("tok", nil).Maybe()
		allowObserver(observer)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p := NewPool(session, client, observer, 10*time.Second)
		require.NoError(t, p.Start(ctx, []string{" A1 ", "A1", "", "C3"}))
		defer p.Stop()

		client.AssertNotCalled(t, "ListInverters", mock.Anything, mock.Anything)
		cs := p.Controllers()
		require.Len(t, cs, 2)
		assert.Equal(t, MinRefreshInterval, cs[0].Interval())

		c, err := p.Get("C3")
		require.NoError(t, err)
		assert.Same(t, cs[1], c)
		assert.Same(t, c, p.Add("C3"))

		_, err = p.Get("nope")
		assert.ErrorIs(t, err, ErrUnknownInverter)
	})

	t.Run("NothingToPoll", func(t *testing.T) {
		session := &mockSession{}
		client := &mockClient{}
		session.On("Token", mock.Anything).Return("tok", nil)
		client.On("ListInverters", mock.Anything, "tok").Return([]types.Inverter{}, nil)

		p := NewPool(session, client, &mockObserver{}, time.Minute)
		assert.Error(t, p.Start(context.Background(), nil))
	})
}
