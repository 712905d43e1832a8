package membership

import (
	"time"

	"gorm.io/gorm"
)

// Proposal is a member proposal row. Deadline is stored as epoch seconds.
type Proposal struct {
	ID             string    `gorm:"primaryKey;size:191"`
	Name           string    `gorm:"size:255;not null"`
	Deadline       int64     `gorm:"not null;index"`
	CreatedAt      time.Time `gorm:"not null"`
	MessageRef     *string   `gorm:"size:64"`
	VetoAtDeadline bool      `gorm:"not null;default:false"`
}

// User is a platform user known to the bot.
type User struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement:false"`
	SubscribedToAll bool   `gorm:"not null;default:false"`
}

// ProposalSubscriber associates users with the proposals they follow.
type ProposalSubscriber struct {
	UserID     uint64   `gorm:"primaryKey;autoIncrement:false"`
	ProposalID string   `gorm:"primaryKey;size:191;index"`
	User       User     `gorm:"foreignKey:UserID"`
	Proposal   Proposal `gorm:"foreignKey:ProposalID;constraint:OnDelete:CASCADE"`
}

// TableName pins the association table name.
func (ProposalSubscriber) TableName() string { return "proposal_subscribers" }

// Migrate creates or updates the membership tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Proposal{}, &User{}, &ProposalSubscriber{})
}
