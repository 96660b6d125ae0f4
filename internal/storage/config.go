package storage

import (
	"os"
	"path/filepath"
)

// Config defines fields used for locating the file-backed store on disk
type Config struct {
	DataDir string `env:"DATA_DIR" envDefault:"data"`
}

// UsersPath returns the location of the users document
func (c Config) UsersPath() string {
	return filepath.Join(c.DataDir, "users.json")
}

// RoomsDir returns the directory holding per-room log documents
func (c Config) RoomsDir() string {
	return filepath.Join(c.DataDir, "chats")
}

// Option alters the default configuration of the Store during construction
type Option interface {
	apply(*Store)
}

type optionFunc func(s *Store)

func (f optionFunc) apply(s *Store) { f(s) }

// FileMode sets the permission bits used for created documents
func FileMode(mode os.FileMode) Option {
	return optionFunc(func(s *Store) {
		s.fileMode = mode
	})
}

// DefaultRooms overrides the set of rooms initialized at startup
func DefaultRooms(rooms []string) Option {
	return optionFunc(func(s *Store) {
		s.defaultRooms = append([]string(nil), rooms...)
	})
}
