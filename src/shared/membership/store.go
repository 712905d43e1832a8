package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stake-plus/member-proposals/src/lifecycle"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ lifecycle.Store = (*ProposalStore)(nil)

// ProposalStore persists proposals and subscriptions with gorm.
type ProposalStore struct {
	db *gorm.DB
}

// NewProposalStore creates a store over db. Call Migrate first.
func NewProposalStore(db *gorm.DB) *ProposalStore {
	return &ProposalStore{db: db}
}

// ListProposalIDs returns every persisted proposal id, earliest deadline first.
func (s *ProposalStore) ListProposalIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Proposal{}).Order("deadline, id").Pluck("id", &ids).Error
	return ids, err
}

// LoadProposal loads one proposal with its subscriber set.
func (s *ProposalStore) LoadProposal(ctx context.Context, id string) (*lifecycle.Proposal, error) {
	db := s.db.WithContext(ctx)

	var row Proposal
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", lifecycle.ErrNotFound, id)
		}
		return nil, err
	}

	var users []uint64
	if err := db.Model(&ProposalSubscriber{}).
		Where("proposal_id = ?", id).
		Order("user_id").
		Pluck("user_id", &users).Error; err != nil {
		return nil, fmt.Errorf("load subscribers of %s: %w", id, err)
	}

	p := &lifecycle.Proposal{
		ID:             row.ID,
		Name:           row.Name,
		CreatedAt:      row.CreatedAt.UTC(),
		Deadline:       time.Unix(row.Deadline, 0).UTC(),
		VetoAtDeadline: row.VetoAtDeadline,
	}
	if row.MessageRef != nil {
		p.MessageRef = *row.MessageRef
	}
	for _, u := range users {
		p.Subscribers = append(p.Subscribers, lifecycle.UserID(u))
	}
	return p, nil
}

// ProposalExists reports whether a row with id is persisted.
func (s *ProposalStore) ProposalExists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Proposal{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertProposal persists a new proposal and its initial subscribers.
func (s *ProposalStore) InsertProposal(ctx context.Context, p *lifecycle.Proposal) error {
	row := Proposal{
		ID:             p.ID,
		Name:           p.Name,
		Deadline:       p.Deadline.Unix(),
		CreatedAt:      p.CreatedAt.UTC(),
		VetoAtDeadline: p.VetoAtDeadline,
	}
	if p.MessageRef != "" {
		ref := p.MessageRef
		row.MessageRef = &ref
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, u := range p.Subscribers {
			if err := addSubscriber(tx, p.ID, u); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateDeadline stores a new deadline.
func (s *ProposalStore) UpdateDeadline(ctx context.Context, id string, deadline time.Time) error {
	return s.db.WithContext(ctx).Model(&Proposal{}).Where("id = ?", id).Update("deadline", deadline.Unix()).Error
}

// UpdateMessageRef stores the announcement message reference.
func (s *ProposalStore) UpdateMessageRef(ctx context.Context, id, ref string) error {
	return s.db.WithContext(ctx).Model(&Proposal{}).Where("id = ?", id).Update("message_ref", ref).Error
}

// SetVetoAtDeadline marks the proposal to be vetoed when its window closes.
func (s *ProposalStore) SetVetoAtDeadline(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Proposal{}).Where("id = ?", id).Update("veto_at_deadline", true).Error
}

// DeleteProposal removes the proposal and its subscriber rows. Deleting a
// missing proposal is not an error.
func (s *ProposalStore) DeleteProposal(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("proposal_id = ?", id).Delete(&ProposalSubscriber{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Proposal{}).Error
	})
}

// AddSubscriber links user to the proposal, creating the user row if needed.
func (s *ProposalStore) AddSubscriber(ctx context.Context, id string, user lifecycle.UserID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return addSubscriber(tx, id, user)
	})
}

func addSubscriber(tx *gorm.DB, id string, user lifecycle.UserID) error {
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&User{ID: uint64(user)}).Error; err != nil {
		return err
	}
	link := ProposalSubscriber{ProposalID: id, UserID: uint64(user)}
	return tx.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
}

// GlobalSubscribers returns users subscribed to every new proposal.
func (s *ProposalStore) GlobalSubscribers(ctx context.Context) ([]lifecycle.UserID, error) {
	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("subscribed_to_all = ?", true).
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	users := make([]lifecycle.UserID, 0, len(ids))
	for _, id := range ids {
		users = append(users, lifecycle.UserID(id))
	}
	return users, nil
}

// SetGlobalSubscription turns the global subscription of user on or off.
func (s *ProposalStore) SetGlobalSubscription(ctx context.Context, user lifecycle.UserID, subscribed bool) error {
	db := s.db.WithContext(ctx)
	if !subscribed {
		return db.Model(&User{}).Where("id = ?", uint64(user)).Update("subscribed_to_all", false).Error
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"subscribed_to_all": true}),
	}).Create(&User{ID: uint64(user), SubscribedToAll: true}).Error
}

// Ping checks the underlying connection.
func (s *ProposalStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
