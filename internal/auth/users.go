package auth

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/oss-compass/openchecker/internal/model"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnknownUser        = errors.New("unknown user")
)

// dummyHash is compared against when the user name is unknown, so a failed
// lookup costs the same as a failed password check.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("openchecker-dummy-password"), bcrypt.DefaultCost)

const CapabilitySubmit = "submit"

type User struct {
	ID           string
	Name         string
	PasswordHash []byte
	Capabilities []string
}

func (u User) Can(capability string) bool {
	return slices.Contains(u.Capabilities, capability)
}

// Directory is the in-memory user table seeded from configuration.
type Directory struct {
	mx     sync.RWMutex
	byName map[string]User
	byID   map[string]User
}

func NewDirectory(users ...User) (*Directory, error) {
	d := &Directory{
		byName: make(map[string]User, len(users)),
		byID:   make(map[string]User, len(users)),
	}
	for _, u := range users {
		if u.ID == "" || u.Name == "" {
			return nil, fmt.Errorf("user %q: id and name must be set", u.Name)
		}
		if _, ok := d.byName[u.Name]; ok {
			return nil, fmt.Errorf("user %q: duplicate name", u.Name)
		}
		if _, ok := d.byID[u.ID]; ok {
			return nil, fmt.Errorf("user %q: duplicate id %q", u.Name, u.ID)
		}
		if _, err := bcrypt.Cost(u.PasswordHash); err != nil {
			return nil, fmt.Errorf("user %q: password hash: %w", u.Name, err)
		}
		d.byName[u.Name] = u
		d.byID[u.ID] = u
	}
	return d, nil
}

// DirectoryFromConfig builds the directory from the users config section.
func DirectoryFromConfig(users []model.User) (*Directory, error) {
	ret := make([]User, 0, len(users))
	for _, u := range users {
		ret = append(ret, User{
			ID:           u.ID,
			Name:         u.Name,
			PasswordHash: []byte(u.PasswordHash),
			Capabilities: append([]string(nil), u.Capabilities...),
		})
	}
	return NewDirectory(ret...)
}

// Authenticate returns the user if password matches its stored hash.
func (d *Directory) Authenticate(name, password string) (User, error) {
	d.mx.RLock()
	u, ok := d.byName[name]
	d.mx.RUnlock()

	hash := dummyHash
	if ok {
		hash = u.PasswordHash
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if !ok || err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

func (d *Directory) Lookup(id string) (User, bool) {
	d.mx.RLock()
	defer d.mx.RUnlock()
	u, ok := d.byID[id]
	return u, ok
}

// Remove deletes a user, tokens issued to it stop verifying immediately.
func (d *Directory) Remove(id string) {
	d.mx.Lock()
	defer d.mx.Unlock()
	u, ok := d.byID[id]
	if !ok {
		return
	}
	delete(d.byID, id)
	delete(d.byName, u.Name)
}

func (d *Directory) Len() int {
	d.mx.RLock()
	defer d.mx.RUnlock()
	return len(d.byID)
}

// HashPassword returns a bcrypt hash suitable for the users config section.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
