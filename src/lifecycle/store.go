package lifecycle

import (
	"context"
	"time"
)

// Store is the durable record of proposals, their subscribers and the global
// subscription list. Implementations return errors matching ErrNotFound for
// missing proposals; any other error is treated as the store being unavailable.
type Store interface {
	ListProposalIDs(ctx context.Context) ([]string, error)
	LoadProposal(ctx context.Context, id string) (*Proposal, error)
	ProposalExists(ctx context.Context, id string) (bool, error)
	InsertProposal(ctx context.Context, p *Proposal) error
	UpdateDeadline(ctx context.Context, id string, deadline time.Time) error
	UpdateMessageRef(ctx context.Context, id, ref string) error
	SetVetoAtDeadline(ctx context.Context, id string) error
	DeleteProposal(ctx context.Context, id string) error
	AddSubscriber(ctx context.Context, id string, user UserID) error

	GlobalSubscribers(ctx context.Context) ([]UserID, error)
	SetGlobalSubscription(ctx context.Context, user UserID, subscribed bool) error
}
