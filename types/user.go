package types

import "time"

// User represents an account in the directory.
// It contains identity, profile, role, and audit metadata.
type User struct {
	// Username is the unique login name chosen at registration.
	// It never changes for the lifetime of the account.
	Username string `json:"username" db:"username"`

	// FullName is the user's display name.
	FullName string `json:"full_name" db:"full_name"`

	// Age is the user's age in years, between 0 and 120.
	Age int `json:"age" db:"age"`

	// City is the user's city of residence.
	City string `json:"city" db:"city"`

	// Role indicates the user's authorization level within the system.
	Role Role `json:"role" db:"role"`

	// PasswordHash stores the hashed representation of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// AvatarKey is the storage key of the user's profile picture.
	// Empty when no picture has been uploaded; callers substitute a
	// placeholder image.
	AvatarKey string `json:"avatar_key,omitempty" db:"avatar_key"`

	// CreatedAt is the timestamp when the account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasAvatar reports whether the user has an uploaded profile picture.
func (u User) HasAvatar() bool {
	return u.AvatarKey != ""
}
