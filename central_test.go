package sifcore

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAliceDN   = "/C=DK/O=UCPH/CN=Alice Lund/emailAddress=alice@ucph.dk"
	testAliceMail = "alice@ucph.dk"
	testAlicePwd  = "correct horse battery staple"
	testBobDN     = "/C=DK/O=AU/CN=Bob Byg/emailAddress=bob@au.dk"
	testBobMail   = "bob@au.dk"
	testBobPwd    = "bobs-own-password-1"
)

func newTestConfig(t *testing.T) *Config {
	dir := t.TempDir()
	cfg := &Config{}
	cfg.Reset()
	cfg.HTTP.Nonsecure = true
	cfg.OpenID.ProviderURL = "https://id.example.org/openid"
	cfg.UserStore.Path = filepath.Join(dir, "mig-users.db")
	cfg.GDP.Enable = true
	cfg.GDP.Home = filepath.Join(dir, "gdp")
	cfg.GDP.UserHome = filepath.Join(dir, "user_home")
	cfg.GDP.VGridHome = filepath.Join(dir, "vgrid")
	cfg.GDP.VGridFilesHome = filepath.Join(dir, "vgrid_files")
	cfg.Transfers.UserSettingsDir = filepath.Join(dir, "user_settings")
	cfg.SitePasswordSalt = "test-password-salt"
	cfg.SiteDigestSalt = "test-digest-salt"
	return cfg
}

func seedTestUsers(t *testing.T, store UserStore) {
	require.NoError(t, store.CreateUser(&UserRecord{
		ClientID: testAliceDN,
		ShortID:  testAliceMail,
		Aliases:  map[string]string{ProtoOpenID: "alice.lund", ProtoDavs: testAliceMail},
		Attributes: map[string]string{
			"email":     testAliceMail,
			"full_name": "Alice Lund",
		},
	}, testAlicePwd))
	require.NoError(t, store.CreateUser(&UserRecord{
		ClientID:   testBobDN,
		ShortID:    testBobMail,
		Attributes: map[string]string{"email": testBobMail},
	}, testBobPwd))
}

func newTestCentral(t *testing.T) *Central {
	cfg := newTestConfig(t)
	store, err := NewFileUserStore(&cfg.UserStore)
	require.NoError(t, err)
	central, err := NewCentral("", cfg, store, nil)
	require.NoError(t, err)
	t.Cleanup(central.Close)
	// Swap out the real penalty sleep so failed logins don't stall the suite
	central.RateLimits().sleep = func(time.Duration) {}
	seedTestUsers(t, central.GetUserStore())
	return central
}

func TestAuthenticateBasic(t *testing.T) {
	c := newTestCentral(t)

	user, err := c.Authenticate(ProtoHTTPS, testAliceMail, testAlicePwd, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, testAliceDN, user.ClientID)

	_, err = c.Authenticate(ProtoHTTPS, testAliceMail, "wrong", "10.0.0.1")
	assert.Equal(t, ErrInvalidPassword, err)

	_, err = c.Authenticate(ProtoHTTPS, "nobody@nowhere.org", testAlicePwd, "10.0.0.1")
	assert.Equal(t, ErrIdentityAuthNotFound, err)

	_, err = c.Authenticate(ProtoHTTPS, "", testAlicePwd, "10.0.0.1")
	assert.Equal(t, ErrIdentityEmpty, err)
}

func TestAuthenticateByAliasAndDN(t *testing.T) {
	c := newTestCentral(t)

	user, err := c.Authenticate(ProtoOpenID, "alice.lund", testAlicePwd, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, testAliceDN, user.ClientID)

	user, err = c.Authenticate(ProtoHTTPS, testAliceDN, testAlicePwd, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, testAliceMail, user.ShortID)

	// The davs alias is not valid on the openid protocol lookup, but the short
	// ID always is
	user, err = c.Authenticate(ProtoOpenID, testAliceMail, testAlicePwd, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, testAliceDN, user.ClientID)
}

func TestAuthenticateIdentityCaseInsensitive(t *testing.T) {
	c := newTestCentral(t)

	user, err := c.Authenticate(ProtoHTTPS, "ALICE@UCPH.DK", testAlicePwd, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, testAliceDN, user.ClientID)

	// Passwords stay case sensitive
	_, err = c.Authenticate(ProtoHTTPS, testAliceMail, "CORRECT HORSE BATTERY STAPLE", "10.0.0.1")
	assert.Equal(t, ErrInvalidPassword, err)
}

func TestAuthenticateSuspendedAndExpired(t *testing.T) {
	c := newTestCentral(t)

	require.NoError(t, c.GetUserStore().SetAccountState(testAliceDN, AccountSuspended))
	_, err := c.Authenticate(ProtoHTTPS, testAliceMail, testAlicePwd, "10.0.0.1")
	assert.Equal(t, ErrAccountSuspended, err)

	require.NoError(t, c.GetUserStore().SetAccountState(testAliceDN, AccountActive))
	_, err = c.Authenticate(ProtoHTTPS, testAliceMail, testAlicePwd, "10.0.0.1")
	require.NoError(t, err)

	expired := &UserRecord{
		ClientID: "/C=DK/O=KU/CN=Eve Old/emailAddress=eve@ku.dk",
		ShortID:  "eve@ku.dk",
		Expiry:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, c.GetUserStore().CreateUser(expired, "eves-password"))
	_, err = c.Authenticate(ProtoHTTPS, "eve@ku.dk", "eves-password", "10.0.0.1")
	assert.Equal(t, ErrAccountExpired, err)
}

func TestAuthenticateRateLimitIntegration(t *testing.T) {
	c := newTestCentral(t)
	c.Config.RateLimit.MaxUserHits = 2

	// Distinct wrong secrets push the count past the threshold
	c.Authenticate(ProtoHTTPS, testAliceMail, "wrong-one", "10.9.9.9")
	c.Authenticate(ProtoHTTPS, testAliceMail, "wrong-two", "10.9.9.9")

	// Now even the correct password is refused until the window passes
	_, err := c.Authenticate(ProtoHTTPS, testAliceMail, testAlicePwd, "10.9.9.9")
	assert.Equal(t, ErrRateLimited, err)

	// A different source address is unaffected
	_, err = c.Authenticate(ProtoHTTPS, testAliceMail, testAlicePwd, "10.1.1.1")
	assert.NoError(t, err)
}

func TestAuthenticatePenaltyOnRefusal(t *testing.T) {
	c := newTestCentral(t)
	slept := []time.Duration{}
	c.RateLimits().sleep = func(d time.Duration) { slept = append(slept, d) }

	// Five distinct wrong passwords reach the threshold without a delay
	for i := 0; i < 5; i++ {
		_, err := c.Authenticate(ProtoHTTPS, testAliceMail, "wrong-"+strconv.Itoa(i), "10.9.9.9")
		assert.Equal(t, ErrInvalidPassword, err)
	}
	assert.Empty(t, slept)

	// Hammering past the threshold keeps counting and earns the quadratic
	// delay on every refused attempt
	for i := 0; i < 3; i++ {
		_, err := c.Authenticate(ProtoHTTPS, testAliceMail, "wrong-again-"+strconv.Itoa(i), "10.9.9.9")
		assert.Equal(t, ErrRateLimited, err)
	}
	require.Len(t, slept, 3)
	assert.Equal(t, 9*time.Second, slept[0])                 // 6^2 * 250ms
	assert.Equal(t, 12250*time.Millisecond, slept[1])        // 7^2 * 250ms
	assert.Equal(t, 16*time.Second, slept[2])                // 8^2 * 250ms
	assert.NotZero(t, slept[0]+slept[1]+slept[2])
}

func TestApplyReloadedConfig(t *testing.T) {
	c := newTestCentral(t)

	fresh := newTestConfig(t)
	fresh.RateLimit.MaxUserHits = 1
	fresh.Sessions.TTLSeconds = 3600
	c.ApplyReloadedConfig(fresh)

	assert.Equal(t, time.Hour, c.Sessions().TTL())

	// The tightened threshold applies to the live limiter
	c.Authenticate(ProtoHTTPS, testAliceMail, "wrong-one", "10.9.9.9")
	_, err := c.Authenticate(ProtoHTTPS, testAliceMail, testAlicePwd, "10.9.9.9")
	assert.Equal(t, ErrRateLimited, err)
}

func TestCanonicalizeIdentity(t *testing.T) {
	assert.Equal(t, "alice@ucph.dk", CanonicalizeIdentity("  Alice@UCPH.dk\t"))
	// Distinguished names keep their case: they double as directory names
	assert.Equal(t, testAliceDN, CanonicalizeIdentity(testAliceDN))
}

func TestUserStoreMtimeRefresh(t *testing.T) {
	cfg := newTestConfig(t)
	writer, err := NewFileUserStore(&cfg.UserStore)
	require.NoError(t, err)
	reader, err := NewFileUserStore(&cfg.UserStore)
	require.NoError(t, err)

	require.NoError(t, writer.CreateUser(&UserRecord{ClientID: testAliceDN, ShortID: testAliceMail}, testAlicePwd))

	// The reader has not loaded the new record yet
	matches, err := reader.Lookup(ProtoHTTPS, testAliceMail)
	require.NoError(t, err)
	assert.Equal(t, 0, len(matches))

	// Refresh picks up the mtime change
	require.NoError(t, reader.Refresh(ProtoHTTPS, testAliceMail))
	matches, err = reader.Lookup(ProtoHTTPS, testAliceMail)
	require.NoError(t, err)
	require.Equal(t, 1, len(matches))
	assert.Equal(t, testAliceDN, matches[0].ClientID)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	blob, err := ComputePasswordHash("secret-1")
	require.NoError(t, err)
	assert.True(t, VerifyPasswordHash("secret-1", blob))
	assert.False(t, VerifyPasswordHash("secret-2", blob))
	assert.False(t, VerifyPasswordHash("secret-1", "not-a-blob"))

	// Two hashes of the same password differ through their salt
	blob2, err := ComputePasswordHash("secret-1")
	require.NoError(t, err)
	assert.NotEqual(t, blob, blob2)
}

func TestDigestRoundTrip(t *testing.T) {
	digest := MakeDigest("datatransfer", testAliceDN, "pw", "site-salt")
	assert.True(t, IsDigest(digest))
	assert.True(t, VerifyDigest("datatransfer", testAliceDN, "pw", digest, "site-salt"))
	assert.False(t, VerifyDigest("datatransfer", testAliceDN, "other", digest, "site-salt"))
	assert.False(t, VerifyDigest("auth", testAliceDN, "pw", digest, "site-salt"))
	assert.False(t, VerifyDigest("datatransfer", testAliceDN, "pw", digest, "wrong-salt"))
}
