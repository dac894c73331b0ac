package basicauth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"sigs.k8s.io/yaml"
)

// User is an entry of the user table. Exactly one of Password and PasswordHash is set.
type User struct {
	Name string `json:"-"`
	// Password is compared as is. Prefer PasswordHash outside of demos.
	Password string `json:"password,omitempty"`
	// PasswordHash is a bcrypt hash, as produced by `extproc-basicauth hash-password`.
	PasswordHash string   `json:"passwordHash,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// RolesHeaderValue is the value sent upstream in the roles header.
func (u *User) RolesHeaderValue() string {
	return strings.Join(u.Roles, ",")
}

// hashed reports whether the password check is expensive enough to be worth caching.
func (u *User) hashed() bool {
	return u.PasswordHash != ""
}

func (u *User) secret() string {
	if u.hashed() {
		return u.PasswordHash
	}
	return u.Password
}

func (u *User) verify(password string) error {
	if u.hashed() {
		if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
			return ErrInvalidPassword
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) != 1 {
		return ErrInvalidPassword
	}
	return nil
}

func (u *User) validate() error {
	switch {
	case u.Name == "":
		return errors.New("user name is empty")
	case strings.Contains(u.Name, ":"):
		return fmt.Errorf("user %q: name must not contain a colon", u.Name)
	case u.Password != "" && u.PasswordHash != "":
		return fmt.Errorf("user %q: password and passwordHash are mutually exclusive", u.Name)
	case u.Password == "" && u.PasswordHash == "":
		return fmt.Errorf("user %q: one of password or passwordHash is required", u.Name)
	}
	if u.hashed() {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return fmt.Errorf("user %q: invalid bcrypt hash: %w", u.Name, err)
		}
	}
	for _, role := range u.Roles {
		if role == "" || strings.Contains(role, ",") {
			return fmt.Errorf("user %q: invalid role %q", u.Name, role)
		}
	}
	return nil
}

// Users is an immutable user table keyed by user name. Names are case sensitive.
type Users struct {
	users map[string]*User
}

// NewUsers builds a table from the given users. It fails on invalid entries and duplicate names.
func NewUsers(users ...User) (*Users, error) {
	table := &Users{users: make(map[string]*User, len(users))}
	for _, u := range users {
		if err := u.validate(); err != nil {
			return nil, err
		}
		if _, exists := table.users[u.Name]; exists {
			return nil, fmt.Errorf("user %q is defined more than once", u.Name)
		}
		u.Roles = slices.Clone(u.Roles)
		table.users[u.Name] = &u
	}
	return table, nil
}

type usersFile struct {
	Users map[string]User `json:"users"`
}

// ParseUsers parses a users document:
//
//	users:
//	  thomas:
//	    password: super-secret-password
//	    roles: [role1, role2, role3]
//	  alice:
//	    passwordHash: $2a$10$...
func ParseUsers(data []byte) (*Users, error) {
	var f usersFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("could not unmarshal users: %w", err)
	}
	users := make([]User, 0, len(f.Users))
	for name, u := range f.Users {
		u.Name = name
		users = append(users, u)
	}
	return NewUsers(users...)
}

// LoadUsers reads and parses a users file.
func LoadUsers(path string) (*Users, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read users file: %w", err)
	}
	users, err := ParseUsers(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return users, nil
}

// DemoUsers returns the single demo user of the basic-auth-demo realm.
func DemoUsers() *Users {
	users, err := NewUsers(User{
		Name:     "thomas",
		Password: "super-secret-password",
		Roles:    []string{"role1", "role2", "role3"},
	})
	if err != nil {
		panic(err)
	}
	return users
}

// Lookup returns the user with the given name.
func (t *Users) Lookup(name string) (*User, bool) {
	if t == nil {
		return nil, false
	}
	u, ok := t.users[name]
	return u, ok
}

// Len returns the number of users in the table.
func (t *Users) Len() int {
	if t == nil {
		return 0
	}
	return len(t.users)
}

// Names returns the sorted user names.
func (t *Users) Names() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.users))
	for name := range t.users {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
