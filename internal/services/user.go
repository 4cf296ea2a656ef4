package services

import (
	"context"
	"errors"
	"strings"

	"github.com/eventdesk/apiserver/internal/apperr"
	"github.com/eventdesk/apiserver/internal/store"
	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (types.User, error)
	GetByUsername(ctx context.Context, username string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role string) (types.User, error)
}

var errBadCredentials = apperr.E(apperr.Unauthenticated, "invalid username or password")

// UserService encapsulates account use-cases.
type UserService struct {
	repo UserRepository
	cost int
}

func NewUserService(repo UserRepository) *UserService {
	return &UserService{repo: repo, cost: bcrypt.DefaultCost}
}

// Signup creates an account with the user role.
func (s *UserService) Signup(ctx context.Context, input types.SignupInput) (types.User, error) {
	input.Username = strings.TrimSpace(input.Username)
	input.Email = strings.TrimSpace(input.Email)
	input.Name = strings.TrimSpace(input.Name)
	if err := validateStruct(input); err != nil {
		return types.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.cost)
	if err != nil {
		return types.User{}, apperr.Wrap(apperr.Internal, "internal error", err)
	}

	name := input.Name
	if name == "" {
		name = input.Username
	}
	user, err := s.repo.Create(ctx, types.User{
		Username:     input.Username,
		Email:        input.Email,
		Name:         name,
		Role:         types.RoleUser,
		PasswordHash: string(hash),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return types.User{}, apperr.Wrap(apperr.Conflict, "username already taken", err)
	}
	if err != nil {
		return types.User{}, translate(err, "user")
	}
	return user, nil
}

// Authenticate checks a username and password pair.
func (s *UserService) Authenticate(ctx context.Context, creds types.Credentials) (types.User, error) {
	if err := validateStruct(creds); err != nil {
		return types.User{}, err
	}

	user, err := s.repo.GetByUsername(ctx, strings.TrimSpace(creds.Username))
	if errors.Is(err, store.ErrNotFound) {
		return types.User{}, errBadCredentials
	}
	if err != nil {
		return types.User{}, translate(err, "user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		return types.User{}, errBadCredentials
	}
	return user, nil
}

func (s *UserService) GetByID(ctx context.Context, id uuid.UUID) (types.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	return user, translate(err, "user")
}

// Promote grants the admin role to the named user.
func (s *UserService) Promote(ctx context.Context, username string) (types.User, error) {
	user, err := s.repo.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return types.User{}, translate(err, "user")
	}
	if user.Role == types.RoleAdmin {
		return user, nil
	}
	user, err = s.repo.UpdateRole(ctx, user.ID, types.RoleAdmin)
	return user, translate(err, "user")
}
