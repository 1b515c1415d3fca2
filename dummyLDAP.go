package sifcore

import (
	"sync"
)

type dummyDirectoryUser struct {
	username string
	password string
}

// dummyDirectory is an in-memory stand-in for the institutional LDAP bind
// backend, used by tests.
type dummyDirectory struct {
	users     []*dummyDirectoryUser
	usersLock sync.RWMutex
}

func (x *dummyDirectory) Authenticate(identity, password string) (er error) {
	x.usersLock.RLock()
	defer x.usersLock.RUnlock()
	user := x.getUser(identity)
	if user == nil {
		er = ErrInvalidCredentials
	} else if len(password) == 0 {
		er = ErrInvalidPassword
	} else if user.password == password {
		er = nil
	} else {
		er = ErrInvalidCredentials
	}

	return
}

func (x *dummyDirectory) getUser(identity string) *dummyDirectoryUser {
	for _, v := range x.users {
		if CanonicalizeIdentity(v.username) == CanonicalizeIdentity(identity) {
			return v
		}
	}
	return nil
}

func (x *dummyDirectory) AddUser(username, password string) {
	x.usersLock.Lock()
	defer x.usersLock.Unlock()
	x.users = append(x.users, &dummyDirectoryUser{username: username, password: password})
}

func (x *dummyDirectory) RemoveUser(username string) {
	x.usersLock.Lock()
	defer x.usersLock.Unlock()
	for i, user := range x.users {
		if user.username == username {
			x.users = append(x.users[:i], x.users[i+1:]...)
			break
		}
	}
}

func (x *dummyDirectory) Close() {
}
