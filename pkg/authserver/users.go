package authserver

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrUserNotFound is returned by FindByEmail for unknown users.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned by Insert when the email is taken.
	ErrUserExists = errors.New("user already exists")
)

// User is a stored account. Email is the lowercase identity key.
type User struct {
	Email        string
	Name         string
	PasswordHash []byte
}

// UserRepository persists accounts. Implementations must be safe for
// concurrent use and make Insert atomic with respect to the email key.
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Insert(ctx context.Context, u *User) error
}

// MemoryUserRepository keeps users in a map for the life of the process.
type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryUserRepository returns an empty repository.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[string]User)}
}

func (m *MemoryUserRepository) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *MemoryUserRepository) ExistsByEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[email]
	return ok, nil
}

func (m *MemoryUserRepository) Insert(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Email]; ok {
		return ErrUserExists
	}
	m.users[u.Email] = *u
	return nil
}
