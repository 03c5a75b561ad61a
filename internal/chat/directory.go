package chat

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
)

// User is a registered account. Hash is a bcrypt hash; the clear password is
// never kept.
type User struct {
	Username string
	Hash     string
}

// Directory maps usernames to credentials for the life of the process.
// Entries are created on first login and never change or go away.
type Directory struct {
	users sync.Map // username -> User
	cost  int
	group singleflight.Group
}

const maxRegisterAttempts = 3

func NewDirectory(cost int) *Directory {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Directory{cost: cost}
}

// RegisterOrVerify creates the user when the name is new, otherwise checks
// password against the stored hash. Concurrent first logins for one name
// share a single creation; every caller after the creator is verified against
// the stored hash. A caller that only joined a failed creation tries again
// with its own password.
func (d *Directory) RegisterOrVerify(username, password string) (User, error) {
	for attempt := 1; ; attempt++ {
		if v, ok := d.users.Load(username); ok {
			return verify(v.(User), password)
		}

		ran, created := false, false
		v, err, _ := d.group.Do(username, func() (interface{}, error) {
			ran = true
			if existing, ok := d.users.Load(username); ok {
				return existing, nil
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
			if err != nil {
				return nil, err
			}
			actual, loaded := d.users.LoadOrStore(username, User{Username: username, Hash: string(hash)})
			created = !loaded
			return actual, nil
		})
		if err != nil {
			if !ran && attempt < maxRegisterAttempts {
				continue
			}
			return User{}, fmt.Errorf("hash password for %q: %w", username, err)
		}
		if created {
			return v.(User), nil
		}
		return verify(v.(User), password)
	}
}

func verify(u User, password string) (User, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(u.Hash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredential
	}
	return u, nil
}

// ListUsernames returns every registered username in lexical order.
func (d *Directory) ListUsernames() []string {
	var names []string
	d.users.Range(func(k, _ interface{}) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

func (d *Directory) Len() int {
	n := 0
	d.users.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
