package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/flowline/model"
)

// MemoryDirectory is an in-memory Directory for tests and the memory driver.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]model.User // key: user ID
}

// NewMemoryDirectory creates a directory pre-populated with the given users.
func NewMemoryDirectory(users ...model.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]model.User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Put adds or replaces a user. For seeding and tests.
func (d *MemoryDirectory) Put(u model.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// Get retrieves a user by ID.
func (d *MemoryDirectory) Get(_ context.Context, userID string) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[userID]
	if !ok {
		return model.User{}, model.Errorf(model.ErrUserNotFound, "user %q not found", userID)
	}
	return u, nil
}

// GetByEmail retrieves a user by email.
func (d *MemoryDirectory) GetByEmail(_ context.Context, email string) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, u := range d.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, model.Errorf(model.ErrUserNotFound, "user with email %q not found", email)
}

// List returns all active users, ordered by email for stable output.
func (d *MemoryDirectory) List(_ context.Context) ([]model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]model.User, 0, len(d.users))
	for _, u := range d.users {
		if u.Active {
			result = append(result, u)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Email < result[j].Email })
	return result, nil
}

// Len returns the total number of users. For testing.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

var _ Directory = (*MemoryDirectory)(nil)

// String implements fmt.Stringer for debug logging.
func (d *MemoryDirectory) String() string {
	return fmt.Sprintf("MemoryDirectory(%d users)", d.Len())
}
