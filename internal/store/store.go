// Package store keeps guests and items. Both implementations enforce the
// rules in internal/engine and report the same engine events, so the HTTP
// layer can turn any successful mutation into push notifications.
package store

import (
	"context"

	"github.com/DoyleJ11/cha-panelas/internal/engine"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

type Store interface {
	Available(ctx context.Context) ([]types.Item, error)
	Guests(ctx context.Context, q string) ([]types.Guest, error)
	Stats(ctx context.Context) (types.Stats, error)

	Register(ctx context.Context, name string) (int64, []engine.Event, error)
	Claim(ctx context.Context, guestID, itemID int64) ([]engine.Event, error)
	Release(ctx context.Context, guestID int64) ([]engine.Event, error)
	Remove(ctx context.Context, guestID int64) ([]engine.Event, error)
	Reset(ctx context.Context) ([]engine.Event, error)

	Close() error
}
