package auth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"realtime-chat/internal/storage"
)

var (
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Service implements account creation and login on top of the durable user
// store. The real-time core never calls it directly; it only consumes the
// credentials this service issues.
type Service struct {
	logger   *zap.SugaredLogger
	store    *storage.Store
	verifier *Verifier
	hasher   *Hasher
}

// NewService returns a Service backed by the provided store and verifier
func NewService(logger *zap.SugaredLogger, store *storage.Store, verifier *Verifier) *Service {
	return &Service{
		logger:   logger,
		store:    store,
		verifier: verifier,
		hasher:   NewHasher(),
	}
}

// CreateAccount registers a new user with a hashed credential and assigns
// the default room memberships
func (s *Service) CreateAccount(ctx context.Context, username, email, password string) error {
	s.logger.Debugf("Creating account (%s)", username)

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	user := storage.User{
		Username: username,
		Email:    email,
		Password: hash,
		Online:   false,
		Rooms:    s.store.DefaultRoomIDs(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return ErrAccountExists
		}
		return err
	}

	for _, roomID := range user.Rooms {
		if err := s.store.AddMember(ctx, roomID, username); err != nil {
			s.logger.Errorw("Adding new account to default room failed",
				"username", username, "room", roomID, "error", err)
		}
	}

	return nil
}

// Login checks the credentials and returns a signed token for the user.
// Wrong email and wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (string, Identity, error) {
	user, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return "", Identity{}, ErrInvalidCredentials
		}
		return "", Identity{}, err
	}

	if !s.hasher.Verify(password, user.Password) {
		return "", Identity{}, ErrInvalidCredentials
	}

	identity := Identity{Username: user.Username, Email: user.Email}
	token, err := s.verifier.Issue(identity)
	if err != nil {
		return "", Identity{}, err
	}

	return token, identity, nil
}
