package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/sunsynk/pkg/types"
)

var (
	ErrInverterNotFound = errors.New("inverter not found")
)

// Database records what the pollers publish and serves it back.
type Database interface {
	// Events
	Publish(ctx context.Context, serial string, values []types.ChannelValue) error
	MarkOnline(ctx context.Context, serial string) error
	MarkOffline(ctx context.Context, serial string, reason string) error
	RequestReauthentication(ctx context.Context, serial string) error

	// Reads
	GetStatus(ctx context.Context, serial string) (types.InverterStatus, error)
	GetHistory(ctx context.Context, serial string, start, end time.Time) ([]types.Record, error)

	// Lifecycle
	Close() error
}

// Config holds the provider chosen by flag. Database is nil when storage is
// disabled.
type Config struct {
	Database
}

// Configured sets up the Storage provider based on flags.
func Configured() *Config {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, none)")

	var p Config

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "none":
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// Close closes the provider if there is one.
func (c *Config) Close() error {
	if c.Database == nil {
		return nil
	}
	return c.Database.Close()
}
