package users

import (
	"strings"
	"time"
)

// User is the persisted account record. PasswordHash never leaves the service boundary.
type User struct {
	ID            string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	Email         string    `gorm:"column:email;size:320;not null;uniqueIndex:idx_users_email" json:"email"`
	FullName      string    `gorm:"column:full_name;size:320;not null" json:"fullName"`
	PasswordHash  string    `gorm:"column:password_hash;size:128;not null" json:"-"`
	ProfilePicURL string    `gorm:"column:profile_pic_url;size:1024;not null;default:''" json:"profilePic"`
	CreatedAt     time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// SignupRequest carries the fields required to create an account.
type SignupRequest struct {
	FullName string
	Email    string
	Password string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
