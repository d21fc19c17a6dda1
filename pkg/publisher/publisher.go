// Package publisher delivers inverter state to the places that consume it.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/raterudder/sunsynk/pkg/log"
	"github.com/raterudder/sunsynk/pkg/types"
	"github.com/samber/lo"
)

// Sink is one destination for inverter state.
type Sink interface {
	Publish(ctx context.Context, serial string, values []types.ChannelValue) error
	MarkOnline(ctx context.Context, serial string) error
	MarkOffline(ctx context.Context, serial string, reason string) error
	RequestReauthentication(ctx context.Context, serial string) error
}

// Fanout hands every event to each of its sinks. A failing sink does not stop
// delivery to the others.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewFanout returns a fanout over the non-nil sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks: lo.Filter(sinks, func(s Sink, _ int) bool {
			return s != nil
		}),
	}
}

// Add appends a sink. Nil sinks are ignored.
func (f *Fanout) Add(s Sink) {
	if s == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Sinks returns the number of sinks events are delivered to.
func (f *Fanout) Sinks() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

func (f *Fanout) each(ctx context.Context, event string, fn func(Sink) error) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	errs := lo.FilterMap(sinks, func(s Sink, _ int) (error, bool) {
		err := fn(s)
		return err, err != nil
	})
	if err := errors.Join(errs...); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to deliver inverter event", slog.String("event", event), slog.Any("error", err))
	}
}

func (f *Fanout) Publish(ctx context.Context, serial string, values []types.ChannelValue) {
	f.each(ctx, "publish", func(s Sink) error {
		return s.Publish(ctx, serial, values)
	})
}

func (f *Fanout) MarkOnline(ctx context.Context, serial string) {
	f.each(ctx, "online", func(s Sink) error {
		return s.MarkOnline(ctx, serial)
	})
}

func (f *Fanout) MarkOffline(ctx context.Context, serial string, reason string) {
	f.each(ctx, "offline", func(s Sink) error {
		return s.MarkOffline(ctx, serial, reason)
	})
}

func (f *Fanout) RequestReauthentication(ctx context.Context, serial string) {
	f.each(ctx, "reauthenticate", func(s Sink) error {
		return s.RequestReauthentication(ctx, serial)
	})
}

// FormatValue renders a channel value as text.
func FormatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case bool:
		if v {
			return "ON"
		}
		return "OFF"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}

// numericValue converts a channel value into a float if it has a numeric
// meaning.
func numericValue(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Log writes every event to the context logger.
type Log struct{}

func (Log) Publish(ctx context.Context, serial string, values []types.ChannelValue) error {
	log.Ctx(ctx).DebugContext(ctx, "inverter values", slog.String("serial", serial), slog.Any("values", lo.SliceToMap(values, func(cv types.ChannelValue) (string, string) {
		return cv.Channel, FormatValue(cv.Value)
	})))
	return nil
}

func (Log) MarkOnline(ctx context.Context, serial string) error {
	log.Ctx(ctx).DebugContext(ctx, "inverter online", slog.String("serial", serial))
	return nil
}

func (Log) MarkOffline(ctx context.Context, serial string, reason string) error {
	log.Ctx(ctx).WarnContext(ctx, "inverter offline", slog.String("serial", serial), slog.String("reason", reason))
	return nil
}

func (Log) RequestReauthentication(ctx context.Context, serial string) error {
	log.Ctx(ctx).ErrorContext(ctx, "sunsynk account needs new credentials", slog.String("serial", serial))
	return nil
}
