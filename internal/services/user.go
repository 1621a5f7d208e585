package services

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/userdir/apiserver/internal/auth"
	"github.com/userdir/apiserver/internal/avatar"
	"github.com/userdir/apiserver/internal/events"
	"github.com/userdir/apiserver/internal/store"
	"github.com/userdir/apiserver/types"
)

const (
	minAge = 0
	maxAge = 120
)

// ErrInvalidAge is returned when a profile age falls outside 0-120.
var ErrInvalidAge = errors.New("age must be between 0 and 120")

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByUsername(ctx context.Context, username string) (types.User, error)
	List(ctx context.Context) ([]types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	UpdateProfile(ctx context.Context, username, fullName string, age int, city string) error
	SetRole(ctx context.Context, username string, role types.Role) error
	SetAvatarKey(ctx context.Context, username, key string) error
	Delete(ctx context.Context, username string) error
}

// UserService encapsulates user use-cases: registration, login, profile
// and avatar updates, role changes, and deletion with avatar cascade.
type UserService struct {
	repo    UserRepository
	avatars *avatar.Processor
	feed    *events.Publisher
	log     zerolog.Logger
}

func NewUserService(repo UserRepository, avatars *avatar.Processor, feed *events.Publisher, log zerolog.Logger) *UserService {
	return &UserService{
		repo:    repo,
		avatars: avatars,
		feed:    feed,
		log:     log,
	}
}

// RegisterInput carries the registration form fields. RawAvatar holds the
// uploaded image bytes before normalization; nil means no picture.
type RegisterInput struct {
	Username  string
	FullName  string
	Age       int
	City      string
	Password  string
	RawAvatar []byte
}

// Register creates a new account with a freshly hashed password and the
// default user role. A duplicate username fails with
// store.ErrDuplicateUsername, and any avatar stored along the way is
// cleaned up so no orphaned image remains.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (types.User, error) {
	if err := validateAge(in.Age); err != nil {
		return types.User{}, err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}

	var avatarKey string
	if len(in.RawAvatar) > 0 {
		normalized, err := avatar.Normalize(in.RawAvatar)
		if err != nil {
			return types.User{}, err
		}
		avatarKey, err = s.avatars.Store(ctx, normalized, in.Username)
		if err != nil {
			return types.User{}, fmt.Errorf("store avatar: %w", err)
		}
	}

	user, err := s.repo.Create(ctx, types.User{
		Username:     in.Username,
		FullName:     in.FullName,
		Age:          in.Age,
		City:         in.City,
		Role:         types.RoleUser,
		PasswordHash: hash,
		AvatarKey:    avatarKey,
	})
	if err != nil {
		if avatarKey != "" {
			if delErr := s.avatars.Delete(ctx, avatarKey); delErr != nil {
				s.log.Warn().Err(delErr).Str("key", avatarKey).Msg("failed to clean up avatar after rejected registration")
			}
		}
		return types.User{}, err
	}

	s.feed.Emit(ctx, events.Event{Type: events.TypeUserCreated, Username: user.Username})
	s.log.Info().Str("username", user.Username).Msg("user registered")
	return user, nil
}

// Authenticate returns the user when the username exists and the password
// verifies, and ok=false otherwise. An unknown username and a wrong
// password are indistinguishable to the caller; only backend failures
// surface as errors.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (types.User, bool, error) {
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, false, nil
		}
		return types.User{}, false, err
	}
	if !auth.VerifyPassword(password, user.PasswordHash) {
		return types.User{}, false, nil
	}
	return user, true, nil
}

func (s *UserService) Get(ctx context.Context, username string) (types.User, error) {
	return s.repo.GetByUsername(ctx, username)
}

func (s *UserService) List(ctx context.Context) ([]types.User, error) {
	return s.repo.List(ctx)
}

// UpdateProfile updates full name, age, and city. Role, password, and
// avatar are untouched. Updating a missing user is a silent no-op.
func (s *UserService) UpdateProfile(ctx context.Context, username, fullName string, age int, city string) error {
	if err := validateAge(age); err != nil {
		return err
	}
	if err := s.repo.UpdateProfile(ctx, username, fullName, age, city); err != nil {
		return err
	}
	s.feed.Emit(ctx, events.Event{Type: events.TypeUserUpdated, Username: username})
	return nil
}

// UpdateAvatar normalizes the uploaded image and swaps it in for the
// user's current one. The new image is stored and the record updated
// before the old image is deleted, so a crash mid-way never leaves the
// record pointing at a missing object.
func (s *UserService) UpdateAvatar(ctx context.Context, username string, raw []byte) (string, error) {
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	normalized, err := avatar.Normalize(raw)
	if err != nil {
		return "", err
	}

	newKey, err := s.avatars.Store(ctx, normalized, username)
	if err != nil {
		return "", fmt.Errorf("store avatar: %w", err)
	}

	if err := s.repo.SetAvatarKey(ctx, username, newKey); err != nil {
		if delErr := s.avatars.Delete(ctx, newKey); delErr != nil {
			s.log.Warn().Err(delErr).Str("key", newKey).Msg("failed to clean up avatar after rejected update")
		}
		return "", err
	}

	if err := s.avatars.Delete(ctx, user.AvatarKey); err != nil {
		s.log.Warn().Err(err).Str("key", user.AvatarKey).Msg("failed to delete replaced avatar")
	}

	s.feed.Emit(ctx, events.Event{Type: events.TypeUserUpdated, Username: username})
	return newKey, nil
}

// OpenAvatar returns a reader for the user's stored profile picture.
// store.ErrNotFound is returned when the user has none; the caller
// substitutes its placeholder image.
func (s *UserService) OpenAvatar(ctx context.Context, username string) (io.ReadCloser, error) {
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if !user.HasAvatar() {
		return nil, store.ErrNotFound
	}
	return s.avatars.Open(ctx, user.AvatarKey)
}

// Delete removes the account and cascades deletion of its stored avatar.
func (s *UserService) Delete(ctx context.Context, username string) error {
	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, username); err != nil {
		return err
	}

	if err := s.avatars.Delete(ctx, user.AvatarKey); err != nil {
		s.log.Warn().Err(err).Str("key", user.AvatarKey).Msg("failed to delete avatar of removed user")
	}

	s.feed.Emit(ctx, events.Event{Type: events.TypeUserDeleted, Username: username})
	s.log.Info().Str("username", username).Msg("user deleted")
	return nil
}

// SetRole assigns a role directly. Authorization is the caller's
// responsibility.
func (s *UserService) SetRole(ctx context.Context, username string, role types.Role) error {
	if err := s.repo.SetRole(ctx, username, role); err != nil {
		return err
	}
	s.feed.Emit(ctx, events.Event{Type: events.TypeRoleChanged, Username: username, Role: role.String()})
	s.log.Info().Str("username", username).Str("role", role.String()).Msg("role changed")
	return nil
}

// GrantAdmin promotes a user to admin.
func (s *UserService) GrantAdmin(ctx context.Context, username string) error {
	return s.SetRole(ctx, username, types.RoleAdmin)
}

// RevokeAdmin demotes a user back to the plain user role.
func (s *UserService) RevokeAdmin(ctx context.Context, username string) error {
	return s.SetRole(ctx, username, types.RoleUser)
}

func validateAge(age int) error {
	if age < minAge || age > maxAge {
		return ErrInvalidAge
	}
	return nil
}
