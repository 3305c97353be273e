package subscription

import "context"

// Store persists one subscription per project.
type Store interface {
	// Get returns ErrNotFound when the project never subscribed.
	Get(ctx context.Context, projectID string) (*Subscription, error)
	// Put creates or replaces the project's subscription.
	Put(ctx context.Context, s *Subscription) error
}
