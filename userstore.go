package sifcore

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"sync"
	"time"
)

type AccountState string

const (
	AccountActive    AccountState = "active"
	AccountSuspended AccountState = "suspended"
	AccountRemoved   AccountState = "removed"
)

// UserRecord is one user of the portal. Records are read-mostly; the signup
// pipeline and the admin tool write the backing store, and running daemons
// pick changes up through Refresh.
type UserRecord struct {
	ClientID           string            // distinguished name, also the on-disk home directory name
	ShortID            string            // login handle, typically the email address
	Aliases            map[string]string // protocol -> alias identity
	PasswordBlob       string            // scrypt or digest blob, never a clear password
	PubKeyFingerprints []string
	Expiry             time.Time
	AccountState       AccountState
	Attributes         map[string]string // organization, country, role, ...
}

// Attribute returns the named profile attribute, or "" when unset.
func (u *UserRecord) Attribute(name string) string {
	if u.Attributes == nil {
		return ""
	}
	return u.Attributes[name]
}

// VerifyPassword checks the clear password against the stored blob, which may
// be in scrypt or digest form.
func (u *UserRecord) VerifyPassword(password, sitePasswordSalt, siteDigestSalt string) bool {
	if u.PasswordBlob == "" || password == "" {
		return false
	}
	if IsDigest(u.PasswordBlob) {
		return VerifyDigest("auth", u.ShortID, password, u.PasswordBlob, siteDigestSalt)
	}
	return VerifyPasswordHash(password, u.PasswordBlob)
}

func (u *UserRecord) clone() *UserRecord {
	c := *u
	c.Aliases = make(map[string]string, len(u.Aliases))
	for k, v := range u.Aliases {
		c.Aliases[k] = v
	}
	c.Attributes = make(map[string]string, len(u.Attributes))
	for k, v := range u.Attributes {
		c.Attributes[k] = v
	}
	c.PubKeyFingerprints = append([]string(nil), u.PubKeyFingerprints...)
	return &c
}

// UserStore maps login handles to user records.
type UserStore interface {
	// Lookup returns all records matching identity on the short ID, the
	// distinguished name, or the protocol alias. The caller picks the record by
	// credential match.
	Lookup(proto, identity string) ([]*UserRecord, error)
	// Refresh reloads the backing store if it changed since the last load. It is
	// called on the hot path of every authentication attempt and must be cheap
	// when nothing changed.
	Refresh(proto, identity string) error
	GetUser(clientID string) (*UserRecord, error)
	GetUsers() ([]*UserRecord, error)
	CreateUser(user *UserRecord, password string) error
	RemoveUser(clientID string) error
	SetPassword(clientID, password string) error
	SetAccountState(clientID string, state AccountState) error
	SetAttribute(clientID, name, value string) error
	Close()
}

// Authenticator answers "is this username/password valid" for backends that
// cannot enumerate users, such as an institutional LDAP directory.
type Authenticator interface {
	Authenticate(identity, password string) error
	Close()
}

//////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// sanitizingUserStore rejects obviously bad input before it reaches the backend.
type sanitizingUserStore struct {
	backend UserStore
}

func cleanIdentity(identity string) (string, error) {
	clean := CanonicalizeIdentity(identity)
	if clean == "" {
		return "", ErrIdentityEmpty
	}
	return clean, nil
}

func (x *sanitizingUserStore) Lookup(proto, identity string) ([]*UserRecord, error) {
	clean, err := cleanIdentity(identity)
	if err != nil {
		return nil, err
	}
	return x.backend.Lookup(proto, clean)
}

func (x *sanitizingUserStore) Refresh(proto, identity string) error {
	return x.backend.Refresh(proto, identity)
}

func (x *sanitizingUserStore) GetUser(clientID string) (*UserRecord, error) {
	clean, err := cleanIdentity(clientID)
	if err != nil {
		return nil, err
	}
	return x.backend.GetUser(clean)
}

func (x *sanitizingUserStore) GetUsers() ([]*UserRecord, error) {
	return x.backend.GetUsers()
}

func (x *sanitizingUserStore) CreateUser(user *UserRecord, password string) error {
	if user == nil || CanonicalizeIdentity(user.ClientID) == "" {
		return ErrIdentityEmpty
	}
	if password == "" && user.PasswordBlob == "" {
		return ErrInvalidPassword
	}
	return x.backend.CreateUser(user, password)
}

func (x *sanitizingUserStore) RemoveUser(clientID string) error {
	clean, err := cleanIdentity(clientID)
	if err != nil {
		return err
	}
	return x.backend.RemoveUser(clean)
}

func (x *sanitizingUserStore) SetPassword(clientID, password string) error {
	clean, err := cleanIdentity(clientID)
	if err != nil {
		return err
	}
	if password == "" {
		return ErrInvalidPassword
	}
	return x.backend.SetPassword(clean, password)
}

func (x *sanitizingUserStore) SetAccountState(clientID string, state AccountState) error {
	clean, err := cleanIdentity(clientID)
	if err != nil {
		return err
	}
	return x.backend.SetAccountState(clean, state)
}

func (x *sanitizingUserStore) SetAttribute(clientID, name, value string) error {
	clean, err := cleanIdentity(clientID)
	if err != nil {
		return err
	}
	if name == "" {
		return ErrInvalidRequest
	}
	return x.backend.SetAttribute(clean, name, value)
}

func (x *sanitizingUserStore) Close() {
	x.backend.Close()
}

//////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// fileUserStore is the flat-file credential store. The backing file is a JSON
// map of client ID to record, written by the signup pipeline and the admin
// tool. Daemons hold the whole map in memory and reload when the file mtime
// advances.
type fileUserStore struct {
	path      string
	lock      sync.RWMutex
	users     map[string]*UserRecord
	loadedAt  time.Time // mtime of the file at last load
	everLoads int
}

func NewFileUserStore(cfg *ConfigUserStore) (UserStore, error) {
	store := &fileUserStore{
		path:  cfg.Path,
		users: map[string]*UserRecord{},
	}
	if err := store.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return store, nil
}

// Assume that the write lock is held
func (x *fileUserStore) reloadLocked() error {
	st, err := os.Stat(x.path)
	if err != nil {
		return err
	}
	if x.everLoads != 0 && !st.ModTime().After(x.loadedAt) {
		return nil
	}
	raw, err := ioutil.ReadFile(x.path)
	if err != nil {
		return err
	}
	users := map[string]*UserRecord{}
	if len(raw) != 0 {
		if err := json.Unmarshal(raw, &users); err != nil {
			return err
		}
	}
	for clientID, u := range users {
		if u.ClientID == "" {
			u.ClientID = clientID
		}
		if u.AccountState == "" {
			u.AccountState = AccountActive
		}
	}
	x.users = users
	x.loadedAt = st.ModTime()
	x.everLoads++
	return nil
}

func (x *fileUserStore) reload() error {
	x.lock.Lock()
	defer x.lock.Unlock()
	return x.reloadLocked()
}

func (x *fileUserStore) Refresh(proto, identity string) error {
	x.lock.RLock()
	st, err := os.Stat(x.path)
	changed := err == nil && (x.everLoads == 0 || st.ModTime().After(x.loadedAt))
	x.lock.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !changed {
		return nil
	}
	return x.reload()
}

func (x *fileUserStore) Lookup(proto, identity string) ([]*UserRecord, error) {
	x.lock.RLock()
	defer x.lock.RUnlock()
	matches := []*UserRecord{}
	for _, u := range x.users {
		if CanonicalizeIdentity(u.ShortID) == identity ||
			CanonicalizeIdentity(u.ClientID) == identity ||
			(u.Aliases != nil && CanonicalizeIdentity(u.Aliases[proto]) == identity) {
			matches = append(matches, u.clone())
		}
	}
	return matches, nil
}

func (x *fileUserStore) GetUser(clientID string) (*UserRecord, error) {
	x.lock.RLock()
	defer x.lock.RUnlock()
	for id, u := range x.users {
		if CanonicalizeIdentity(id) == clientID {
			return u.clone(), nil
		}
	}
	return nil, ErrIdentityAuthNotFound
}

func (x *fileUserStore) GetUsers() ([]*UserRecord, error) {
	x.lock.RLock()
	defer x.lock.RUnlock()
	all := make([]*UserRecord, 0, len(x.users))
	for _, u := range x.users {
		all = append(all, u.clone())
	}
	return all, nil
}

// Assume that the write lock is held
func (x *fileUserStore) saveLocked() error {
	raw, err := json.MarshalIndent(x.users, "", "  ")
	if err != nil {
		return err
	}
	flock, err := AcquireFileLock(x.path+".lock", true, true)
	if err != nil {
		return err
	}
	defer ReleaseFileLock(flock)
	if err := writeFileAtomic(x.path, raw, 0600); err != nil {
		return err
	}
	if st, err := os.Stat(x.path); err == nil {
		x.loadedAt = st.ModTime()
	}
	return nil
}

func (x *fileUserStore) CreateUser(user *UserRecord, password string) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.reloadLocked()
	for id := range x.users {
		if CanonicalizeIdentity(id) == CanonicalizeIdentity(user.ClientID) {
			return ErrIdentityExists
		}
	}
	rec := user.clone()
	if password != "" {
		blob, err := ComputePasswordHash(password)
		if err != nil {
			return err
		}
		rec.PasswordBlob = blob
	}
	if rec.AccountState == "" {
		rec.AccountState = AccountActive
	}
	x.users[rec.ClientID] = rec
	return x.saveLocked()
}

func (x *fileUserStore) RemoveUser(clientID string) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.reloadLocked()
	for id := range x.users {
		if CanonicalizeIdentity(id) == clientID {
			delete(x.users, id)
			return x.saveLocked()
		}
	}
	return ErrIdentityAuthNotFound
}

func (x *fileUserStore) SetPassword(clientID, password string) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.reloadLocked()
	for id, u := range x.users {
		if CanonicalizeIdentity(id) == clientID {
			blob, err := ComputePasswordHash(password)
			if err != nil {
				return err
			}
			u.PasswordBlob = blob
			return x.saveLocked()
		}
	}
	return ErrIdentityAuthNotFound
}

func (x *fileUserStore) SetAccountState(clientID string, state AccountState) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.reloadLocked()
	for id, u := range x.users {
		if CanonicalizeIdentity(id) == clientID {
			u.AccountState = state
			return x.saveLocked()
		}
	}
	return ErrIdentityAuthNotFound
}

func (x *fileUserStore) SetAttribute(clientID, name, value string) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.reloadLocked()
	for id, u := range x.users {
		if CanonicalizeIdentity(id) == clientID {
			if u.Attributes == nil {
				u.Attributes = map[string]string{}
			}
			u.Attributes[name] = value
			return x.saveLocked()
		}
	}
	return ErrIdentityAuthNotFound
}

func (x *fileUserStore) Close() {
}
