package dispatch

import (
	"context"
	"errors"
	"fmt"

	kit "eventbot/internal/transport"
)

var ErrInvalidChannel = errors.New("channel id must be a non-zero chat id or @username")

// ChannelStore is the persistence behind the registry.
type ChannelStore interface {
	AddChannel(ctx context.Context, id string) (bool, error)
	RemoveChannel(ctx context.Context, id string) (bool, error)
	ListChannels(ctx context.Context) ([]string, error)
}

// Registry manages the set of channels that receive announcements.
type Registry struct {
	store ChannelStore
}

func NewRegistry(store ChannelStore) *Registry { return &Registry{store: store} }

// Normalize validates a user supplied channel id and returns its canonical form.
func Normalize(raw string) (string, error) {
	t, ok := kit.ParseChatTarget(raw)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, raw)
	}
	return t.String(), nil
}

func (r *Registry) Add(ctx context.Context, raw string) (id string, added bool, err error) {
	if id, err = Normalize(raw); err != nil {
		return "", false, err
	}
	added, err = r.store.AddChannel(ctx, id)
	return id, added, err
}

func (r *Registry) Remove(ctx context.Context, raw string) (id string, removed bool, err error) {
	if id, err = Normalize(raw); err != nil {
		return "", false, err
	}
	removed, err = r.store.RemoveChannel(ctx, id)
	return id, removed, err
}

func (r *Registry) List(ctx context.Context) ([]string, error) {
	return r.store.ListChannels(ctx)
}
