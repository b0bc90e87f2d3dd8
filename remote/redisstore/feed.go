package redisstore

import (
	"context"
	"fmt"

	"github.com/veltalk/roomsync/domain"
)

// Subscribe implements remote.ChangeFeed over Redis pub/sub. Pokes
// coalesce: a slow consumer sees at most one pending poke, which is
// enough because a poke only prompts a refresh.
func (s *Store) Subscribe(ctx context.Context, roomID string) (<-chan struct{}, error) {
	pubsub := s.client.Subscribe(ctx, s.pokeKey(roomID))

	// Wait for the subscription to be established so no poke published
	// after this call is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, domain.Transient(fmt.Errorf("subscribe room %s: %w", roomID, err))
	}

	pokes := make(chan struct{}, 1)
	go func() {
		defer close(pokes)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case pokes <- struct{}{}:
				default:
				}
			}
		}
	}()
	return pokes, nil
}
