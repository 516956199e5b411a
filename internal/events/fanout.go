package events

import (
	"context"
	"errors"
	"fmt"

	"checkoutd/internal/checkout/domain"
)

// Publisher delivers checkout events somewhere.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// FanoutPublisher forwards every event to each configured publisher.
type FanoutPublisher struct {
	publishers []Publisher
}

// NewFanoutPublisher constructs a publisher that fans out to publishers,
// skipping nil entries.
func NewFanoutPublisher(publishers ...Publisher) *FanoutPublisher {
	out := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	return &FanoutPublisher{publishers: out}
}

// Len returns the number of downstream publishers.
func (p *FanoutPublisher) Len() int {
	return len(p.publishers)
}

// Publish attempts every downstream publisher even if earlier ones fail and
// returns the joined errors.
func (p *FanoutPublisher) Publish(ctx context.Context, event domain.Event) error {
	var errs []error
	for i, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publisher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
