package sifcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCentralWithDirectory(t *testing.T) (*Central, *dummyDirectory) {
	cfg := newTestConfig(t)
	store, err := NewFileUserStore(&cfg.UserStore)
	require.NoError(t, err)
	directory := &dummyDirectory{}
	central, err := NewCentral("", cfg, store, directory)
	require.NoError(t, err)
	t.Cleanup(central.Close)
	central.RateLimits().sleep = func(time.Duration) {}
	seedTestUsers(t, central.GetUserStore())
	return central, directory
}

func TestInstitutionalFallback(t *testing.T) {
	c, directory := newTestCentralWithDirectory(t)
	directory.AddUser("carol@ku.dk", "carols-password")

	// Identities unknown to the local store fall through to the directory bind
	user, err := c.Authenticate(ProtoHTTPS, "carol@ku.dk", "carols-password", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "carol@ku.dk", user.ShortID)

	_, err = c.Authenticate(ProtoHTTPS, "carol@ku.dk", "wrong", "10.0.0.1")
	assert.Equal(t, ErrIdentityAuthNotFound, err)

	_, err = c.Authenticate(ProtoHTTPS, "dave@ku.dk", "carols-password", "10.0.0.1")
	assert.Equal(t, ErrIdentityAuthNotFound, err)
}

func TestInstitutionalNeverShadowsLocalUsers(t *testing.T) {
	c, directory := newTestCentralWithDirectory(t)
	directory.AddUser(testAliceMail, "directory-password")

	// A locally known identity is decided by the local store alone, even when
	// the directory would accept the bind
	_, err := c.Authenticate(ProtoHTTPS, testAliceMail, "directory-password", "10.0.0.1")
	assert.Equal(t, ErrInvalidPassword, err)

	user, err := c.Authenticate(ProtoHTTPS, testAliceMail, testAlicePwd, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, testAliceDN, user.ClientID)
}

func TestDummyDirectoryEmptyPassword(t *testing.T) {
	directory := &dummyDirectory{}
	directory.AddUser("carol@ku.dk", "carols-password")
	// An empty password must never succeed, because a real LDAP server would
	// treat it as an anonymous bind
	assert.Equal(t, ErrInvalidPassword, directory.Authenticate("carol@ku.dk", ""))
	directory.RemoveUser("carol@ku.dk")
	assert.Equal(t, ErrInvalidCredentials, directory.Authenticate("carol@ku.dk", "carols-password"))
}
