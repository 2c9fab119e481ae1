// Package user keeps database users and their privileges on catalog objects.
package user

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/maxpert/flowmeta/encoding"
	"github.com/maxpert/flowmeta/id"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultSuperUser     = "root"
	DefaultSuperPassword = "root"
)

var (
	ErrUserExists      = errors.New("user: already exists")
	ErrUserNotFound    = errors.New("user: not found")
	ErrDropDefaultUser = errors.New("user: cannot drop the default super user")
	ErrHasPrivileges   = errors.New("user: user still holds privileges")
	ErrSuperUser       = errors.New("user: privileges of super users are implicit")
	ErrBadPassword     = errors.New("user: authentication failed")
)

// Action is a privilege kind
type Action string

const (
	ActionSelect  Action = "select"
	ActionInsert  Action = "insert"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionCreate  Action = "create"
	ActionConnect Action = "connect"
)

// Target is the catalog object a grant applies to
type Target struct {
	Kind string `msgpack:"kind" json:"kind"`
	ID   uint64 `msgpack:"id" json:"id"`
}

// Privilege is one action with its grant option
type Privilege struct {
	Action          Action `msgpack:"action" json:"action"`
	WithGrantOption bool   `msgpack:"with_grant_option" json:"with_grant_option"`
}

// Grant is the set of privileges a user holds on one target
type Grant struct {
	Target     Target      `msgpack:"target" json:"target"`
	Privileges []Privilege `msgpack:"privileges" json:"privileges"`
}

// User is a database account
type User struct {
	ID           uint64  `msgpack:"id" json:"id"`
	Name         string  `msgpack:"name" json:"name"`
	IsSuper      bool    `msgpack:"is_super" json:"is_super"`
	CanCreateDB  bool    `msgpack:"can_create_db" json:"can_create_db"`
	CanLogin     bool    `msgpack:"can_login" json:"can_login"`
	PasswordHash []byte  `msgpack:"password_hash,omitempty" json:"-"`
	Grants       []Grant `msgpack:"grants,omitempty" json:"grants,omitempty"`
}

func (u *User) clone() User {
	out := *u
	out.Grants = make([]Grant, len(u.Grants))
	for i, g := range u.Grants {
		out.Grants[i] = Grant{Target: g.Target, Privileges: append([]Privilege(nil), g.Privileges...)}
	}
	return out
}

type entry struct {
	user User
	rev  int64
}

// Manager owns users
type Manager struct {
	store  metastore.Store
	ids    id.Generator
	events notify.Publisher

	mu    sync.Mutex
	users map[string]*entry
}

// NewManager creates a user manager. Call Load before use.
func NewManager(store metastore.Store, ids id.Generator, events notify.Publisher) *Manager {
	return &Manager{store: store, ids: ids, events: events, users: make(map[string]*entry)}
}

// Load reads users and creates the default super user on first start
func (m *Manager) Load(ctx context.Context) error {
	kvs, err := m.store.List(ctx, metastore.UserPrefix)
	if err != nil {
		return fmt.Errorf("user: load: %w", err)
	}

	users := make(map[string]*entry, len(kvs))
	for _, kv := range kvs {
		var u User
		if err := encoding.Unmarshal(kv.Value, &u); err != nil {
			return fmt.Errorf("user: decode %s: %w", kv.Key, err)
		}
		users[u.Name] = &entry{user: u, rev: kv.Version}
	}

	m.mu.Lock()
	m.users = users
	_, hasRoot := users[DefaultSuperUser]
	m.mu.Unlock()

	if !hasRoot {
		_, err := m.CreateUser(ctx, User{
			Name:        DefaultSuperUser,
			IsSuper:     true,
			CanCreateDB: true,
			CanLogin:    true,
		}, DefaultSuperPassword)
		if err != nil && !errors.Is(err, ErrUserExists) {
			return err
		}
	}
	return nil
}

// CreateUser adds a user. An empty password leaves the account without one.
func (m *Manager) CreateUser(ctx context.Context, u User, password string) (User, error) {
	if u.Name == "" {
		return User{}, fmt.Errorf("user: name is required")
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return User{}, err
		}
		u.PasswordHash = hash
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Name]; ok {
		return User{}, fmt.Errorf("%w: %s", ErrUserExists, u.Name)
	}

	userID, err := m.ids.Next(ctx, id.User)
	if err != nil {
		return User{}, err
	}
	u.ID = userID
	u.Grants = nil

	if err := m.persistLocked(ctx, u, metastore.NotExists); err != nil {
		return User{}, err
	}
	log.Info().Str("user", u.Name).Bool("super", u.IsSuper).Msg("User created")
	m.publish(notify.OpAdd, u)
	return u.clone(), nil
}

// Authenticate checks a password
func (m *Manager) Authenticate(name, password string) (User, error) {
	u, err := m.GetUser(name)
	if err != nil {
		return User{}, err
	}
	if !u.CanLogin || len(u.PasswordHash) == 0 {
		return User{}, ErrBadPassword
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return User{}, ErrBadPassword
	}
	return u, nil
}

// GetUser returns one user
func (m *Manager) GetUser(name string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.users[name]
	if !ok {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	return e.user.clone(), nil
}

// ListUsers returns every user ordered by name
func (m *Manager) ListUsers() []User {
	m.mu.Lock()
	out := make([]User, 0, len(m.users))
	for _, e := range m.users {
		out = append(out, e.user.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot is the notification snapshot of the user topic
func (m *Manager) Snapshot() (interface{}, error) {
	return m.ListUsers(), nil
}

// DropUser removes a user without privileges
func (m *Manager) DropUser(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.users[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	if name == DefaultSuperUser {
		return ErrDropDefaultUser
	}
	if len(e.user.Grants) > 0 {
		return fmt.Errorf("%w: %s", ErrHasPrivileges, name)
	}

	if err := m.store.Delete(ctx, metastore.UserKey(e.user.ID), e.rev); err != nil {
		return err
	}
	delete(m.users, name)
	log.Info().Str("user", name).Msg("User dropped")
	m.publish(notify.OpDelete, e.user)
	return nil
}

// Grant merges grants into the user's privileges. Grant options are OR-ed.
func (m *Manager) Grant(ctx context.Context, name string, grants []Grant) error {
	return m.update(ctx, name, func(u *User) {
		for _, g := range grants {
			merged := false
			for i := range u.Grants {
				if u.Grants[i].Target == g.Target {
					u.Grants[i].Privileges = mergePrivileges(u.Grants[i].Privileges, g.Privileges)
					merged = true
					break
				}
			}
			if !merged {
				u.Grants = append(u.Grants, Grant{Target: g.Target, Privileges: mergePrivileges(nil, g.Privileges)})
			}
		}
	})
}

// Revoke removes the given actions from the user's grants. With
// grantOptionOnly only the grant option is cleared. Targets left without
// privileges are removed.
func (m *Manager) Revoke(ctx context.Context, name string, grants []Grant, grantOptionOnly bool) error {
	return m.update(ctx, name, func(u *User) {
		for _, g := range grants {
			for i := range u.Grants {
				if u.Grants[i].Target != g.Target {
					continue
				}
				u.Grants[i].Privileges = revokePrivileges(u.Grants[i].Privileges, g.Privileges, grantOptionOnly)
				break
			}
		}
		kept := u.Grants[:0]
		for _, g := range u.Grants {
			if len(g.Privileges) > 0 {
				kept = append(kept, g)
			}
		}
		u.Grants = kept
	})
}

func (m *Manager) update(ctx context.Context, name string, fn func(u *User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.users[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	if e.user.IsSuper {
		return fmt.Errorf("%w: %s", ErrSuperUser, name)
	}

	u := e.user.clone()
	fn(&u)
	if err := m.persistLocked(ctx, u, e.rev); err != nil {
		return err
	}
	m.publish(notify.OpUpdate, u)
	return nil
}

func (m *Manager) persistLocked(ctx context.Context, u User, expected int64) error {
	data, err := encoding.Marshal(&u)
	if err != nil {
		return err
	}
	rev, err := m.store.Put(ctx, metastore.UserKey(u.ID), data, expected)
	if err != nil {
		return fmt.Errorf("user: persist %s: %w", u.Name, err)
	}
	m.users[u.Name] = &entry{user: u, rev: rev}
	return nil
}

// StageReleasePrivileges removes every grant on target as part of the
// commit that drops the object. The manager stays locked until the bundle
// commits or aborts.
func (m *Manager) StageReleasePrivileges(target Target) (*metastore.Staged, error) {
	m.mu.Lock()

	var ops []metastore.Op
	var changed []User
	for _, e := range m.users {
		u := e.user.clone()
		kept := u.Grants[:0]
		for _, g := range u.Grants {
			if g.Target != target {
				kept = append(kept, g)
			}
		}
		if len(kept) == len(e.user.Grants) {
			continue
		}
		u.Grants = kept
		data, err := encoding.Marshal(&u)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		ops = append(ops, metastore.Put(metastore.UserKey(u.ID), data, e.rev))
		changed = append(changed, u)
	}

	return &metastore.Staged{
		Ops: ops,
		OnCommit: func(rev int64) {
			for _, u := range changed {
				m.users[u.Name] = &entry{user: u, rev: rev}
			}
			m.mu.Unlock()
			for _, u := range changed {
				m.publish(notify.OpUpdate, u)
			}
		},
		OnAbort: func() {
			m.mu.Unlock()
		},
	}, nil
}

func (m *Manager) publish(op notify.Operation, u User) {
	if m.events == nil {
		return
	}
	u.PasswordHash = nil
	if _, err := m.events.Publish(notify.TopicUser, op, "user", strconv.FormatUint(u.ID, 10), u); err != nil {
		log.Warn().Err(err).Str("user", u.Name).Msg("Failed to publish user event")
	}
}

func mergePrivileges(origin, add []Privilege) []Privilege {
	out := append([]Privilege(nil), origin...)
	for _, p := range add {
		found := false
		for i := range out {
			if out[i].Action == p.Action {
				out[i].WithGrantOption = out[i].WithGrantOption || p.WithGrantOption
				found = true
				break
			}
		}
		if !found {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

func revokePrivileges(origin, revoke []Privilege, grantOptionOnly bool) []Privilege {
	revoked := func(a Action) bool {
		for _, r := range revoke {
			if r.Action == a {
				return true
			}
		}
		return false
	}

	out := make([]Privilege, 0, len(origin))
	for _, p := range origin {
		switch {
		case !revoked(p.Action):
			out = append(out, p)
		case grantOptionOnly:
			p.WithGrantOption = false
			out = append(out, p)
		}
	}
	return out
}
