package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotExist = errors.New("user does not exist")
	ErrBadRoomID    = errors.New("bad room id")
	ErrCorruptLog   = errors.New("corrupt room log")
	ErrPersistence  = errors.New("persistence failure")
)

// defaultRoomIDs are initialized at startup and assigned to every new user
var defaultRoomIDs = []string{"general", "homework", "counting"}

// Store owns the file-backed users document and per-room message logs.
// The users document is guarded by a single mutex since every mutation is a
// full read-modify-write of the shared file. Room logs are guarded by
// per-room mutexes so appends to different rooms proceed in parallel.
type Store struct {
	logger *zap.SugaredLogger
	cfg    Config

	fileMode     os.FileMode
	defaultRooms []string

	usersMu sync.Mutex

	roomsMu sync.Mutex
	rooms   map[string]*sync.Mutex
}

// New prepares the data directory, creates the users document and default
// room logs when missing, and returns a Store instance
func New(logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{
		logger:       logger,
		cfg:          cfg,
		fileMode:     0o644,
		defaultRooms: defaultRoomIDs,
		rooms:        make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt.apply(s)
	}

	if err := os.MkdirAll(cfg.RoomsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data directory: %s", ErrPersistence, err)
	}

	if _, err := os.Stat(cfg.UsersPath()); os.IsNotExist(err) {
		if err := s.writeFileAtomic(cfg.UsersPath(), []byte("[]")); err != nil {
			return nil, err
		}
	}

	for _, roomID := range s.defaultRooms {
		path := s.roomPath(roomID)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := s.writeFileAtomic(path, []byte("[]")); err != nil {
				return nil, err
			}
			logger.Debugf("Initialized default room log (%s)", roomID)
		}
	}

	return s, nil
}

// Close releases nothing at the moment but keeps the shutdown sequence
// explicit for callers
func (s *Store) Close() {
	s.logger.Debug("Store closed")
}

// DefaultRoomIDs returns the rooms every new user is assigned to
func (s *Store) DefaultRoomIDs() []string {
	return append([]string(nil), s.defaultRooms...)
}

// CreateUser adds a new user record. Both username and email must be unique.
func (s *Store) CreateUser(ctx context.Context, user User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.logger.Debugf("Creating user (%s)", user.Username)

	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	users, err := s.loadUsers()
	if err != nil {
		return err
	}

	for _, u := range users {
		if u.Email == user.Email || u.Username == user.Username {
			return ErrUserExists
		}
	}

	if user.Rooms == nil {
		user.Rooms = []string{}
	}
	users = append(users, user)

	return s.saveUsers(users)
}

// UserByEmail returns the user record with the provided login email
func (s *Store) UserByEmail(ctx context.Context, email string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	users, err := s.loadUsers()
	if err != nil {
		return User{}, err
	}

	for _, u := range users {
		if u.Email == email {
			return u, nil
		}
	}

	return User{}, ErrUserNotExist
}

// UserByName returns the user record with the provided username
func (s *Store) UserByName(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	users, err := s.loadUsers()
	if err != nil {
		return User{}, err
	}

	for _, u := range users {
		if u.Username == username {
			return u, nil
		}
	}

	return User{}, ErrUserNotExist
}

// SetOnline flips the online flag of a user record. The whole
// read-modify-write sequence runs under the users mutex so concurrent
// transitions for different users never lose updates.
func (s *Store) SetOnline(ctx context.Context, username string, online bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	users, err := s.loadUsers()
	if err != nil {
		return err
	}

	for i := range users {
		if users[i].Username == username {
			users[i].Online = online
			return s.saveUsers(users)
		}
	}

	return ErrUserNotExist
}

// Users returns a snapshot of all user records ordered by username
func (s *Store) Users(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	users, err := s.loadUsers()
	if err != nil {
		return nil, err
	}

	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })

	return users, nil
}

// AddRoomToUser adds roomID to the user's room-membership list.
// Adding an already present room is a no-op.
func (s *Store) AddRoomToUser(ctx context.Context, username, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := validateRoomID(roomID); err != nil {
		return err
	}

	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	users, err := s.loadUsers()
	if err != nil {
		return err
	}

	for i := range users {
		if users[i].Username != username {
			continue
		}
		for _, r := range users[i].Rooms {
			if r == roomID {
				return nil
			}
		}
		users[i].Rooms = append(users[i].Rooms, roomID)
		return s.saveUsers(users)
	}

	return ErrUserNotExist
}

// loadUsers reads the users document. Callers must hold usersMu.
func (s *Store) loadUsers() ([]User, error) {
	data, err := os.ReadFile(s.cfg.UsersPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []User{}, nil
		}
		return nil, fmt.Errorf("%w: reading users document: %s", ErrPersistence, err)
	}

	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("%w: parsing users document: %s", ErrPersistence, err)
	}

	return users, nil
}

// saveUsers writes the users document. Callers must hold usersMu.
func (s *Store) saveUsers(users []User) error {
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling users document: %s", ErrPersistence, err)
	}

	return s.writeFileAtomic(s.cfg.UsersPath(), data)
}

// writeFileAtomic writes data to a temporary file in the target directory
// and renames it into place so readers never observe a partial document
func (s *Store) writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %s", ErrPersistence, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: writing %s: %s", ErrPersistence, path, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: closing %s: %s", ErrPersistence, path, err)
	}

	if err := os.Chmod(tmp.Name(), s.fileMode); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: chmod %s: %s", ErrPersistence, path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: replacing %s: %s", ErrPersistence, path, err)
	}

	return nil
}
