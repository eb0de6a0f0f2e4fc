// Package services implements higher-level business logic that coordinates
// across repositories, the crypto layer, and the routing sidecar. Handlers
// call services; services call repositories.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/proxypal/proxypal/internal/auth"
	"github.com/proxypal/proxypal/internal/db/models"
	"github.com/proxypal/proxypal/internal/db/repositories"
)

// User management outcomes surfaced to handlers
var (
	ErrUserNotFound  = errors.New("services: user not found")
	ErrDuplicateName = errors.New("services: user name already taken")
	ErrInvalidName   = errors.New("services: invalid user name")
	ErrInvalidQuota  = errors.New("services: quota must be positive")
)

// userNamePattern constrains names to what the sk-<name>-<random> key shape
// can carry: the prefix parser splits on the last dash, so any dash inside
// the name is fine, but whitespace and shell metacharacters are not.
var userNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// CreatedUser pairs the stored user with the plaintext API key, which exists
// only in this response. The hash is all that survives.
type CreatedUser struct {
	User   *models.User `json:"user"`
	APIKey string       `json:"api_key"`
}

// UserManager owns tenant lifecycle: creation with key minting, updates,
// key rotation, usage reset, and deletion.
type UserManager struct {
	users  *repositories.UserRepository
	logger *slog.Logger
}

// NewUserManager creates a user manager
func NewUserManager(users *repositories.UserRepository, logger *slog.Logger) *UserManager {
	return &UserManager{users: users, logger: logger}
}

// List returns one page of users plus the total count
func (m *UserManager) List(ctx context.Context, limit, offset int) ([]*models.User, int, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return m.users.ListUsers(ctx, limit, offset)
}

// Create mints a user and their API key. The plaintext key is returned once
// and never stored.
func (m *UserManager) Create(ctx context.Context, name string, quotaTokens *int64) (*CreatedUser, error) {
	if !userNamePattern.MatchString(name) {
		return nil, ErrInvalidName
	}
	if quotaTokens != nil && *quotaTokens <= 0 {
		return nil, ErrInvalidQuota
	}

	existing, err := m.users.GetUserByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check user name: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateName
	}

	key, hash, prefix, err := auth.GenerateAPIKey(name)
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	user := &models.User{
		Name:         name,
		APIKeyHash:   hash,
		APIKeyPrefix: prefix,
		QuotaTokens:  quotaTokens,
		Enabled:      true,
	}
	if err := m.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	m.logger.Info("user created", "user_id", user.ID, "name", user.Name)
	return &CreatedUser{User: user, APIKey: key}, nil
}

// Get returns one user by ID
func (m *UserManager) Get(ctx context.Context, userID int64) (*models.User, error) {
	user, err := m.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// UserUpdate carries the mutable fields of a user. Nil means leave unchanged;
// for the quota, ClearQuota distinguishes "remove the quota" from "keep it".
type UserUpdate struct {
	Name        *string
	QuotaTokens *int64
	ClearQuota  bool
	Enabled     *bool
}

// Update applies a partial update and returns the resulting user
func (m *UserManager) Update(ctx context.Context, userID int64, update UserUpdate) (*models.User, error) {
	user, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	if update.Name != nil && *update.Name != user.Name {
		if !userNamePattern.MatchString(*update.Name) {
			return nil, ErrInvalidName
		}
		existing, err := m.users.GetUserByName(ctx, *update.Name)
		if err != nil {
			return nil, fmt.Errorf("check user name: %w", err)
		}
		if existing != nil {
			return nil, ErrDuplicateName
		}
		user.Name = *update.Name
	}
	if update.ClearQuota {
		user.QuotaTokens = nil
	} else if update.QuotaTokens != nil {
		if *update.QuotaTokens <= 0 {
			return nil, ErrInvalidQuota
		}
		user.QuotaTokens = update.QuotaTokens
	}
	if update.Enabled != nil {
		user.Enabled = *update.Enabled
	}

	if err := m.users.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// Delete removes a user. Usage logs cascade with the row.
func (m *UserManager) Delete(ctx context.Context, userID int64) error {
	if _, err := m.Get(ctx, userID); err != nil {
		return err
	}
	if err := m.users.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	m.logger.Info("user deleted", "user_id", userID)
	return nil
}

// RegenerateKey mints a replacement API key. The old key stops working as
// soon as the swap commits; the new plaintext is returned once.
func (m *UserManager) RegenerateKey(ctx context.Context, userID int64) (*CreatedUser, error) {
	user, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	key, hash, prefix, err := auth.GenerateAPIKey(user.Name)
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	if err := m.users.ReplaceAPIKey(ctx, userID, hash, prefix); err != nil {
		return nil, fmt.Errorf("replace api key: %w", err)
	}

	user.APIKeyHash = hash
	user.APIKeyPrefix = prefix
	m.logger.Info("api key regenerated", "user_id", userID)
	return &CreatedUser{User: user, APIKey: key}, nil
}

// ResetUsage zeroes the user's token counter and returns the previous value
func (m *UserManager) ResetUsage(ctx context.Context, userID int64) (int64, error) {
	if _, err := m.Get(ctx, userID); err != nil {
		return 0, err
	}
	previous, err := m.users.ResetUsage(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("reset usage: %w", err)
	}
	m.logger.Info("usage reset", "user_id", userID, "previous_tokens", previous)
	return previous, nil
}
