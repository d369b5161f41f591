package models

import "time"

// User backs identity issuance and rate-limit tiers. Guests get a row with
// no email so their chats have a stable owner id.
type User struct {
	ID           string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Email        *string   `gorm:"type:varchar(64);uniqueIndex" json:"email"`
	PasswordHash *string   `gorm:"type:varchar(128)" json:"-"`
	Type         string    `gorm:"type:varchar(16);not null;default:guest" json:"type"`
	CreatedAt    time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }
