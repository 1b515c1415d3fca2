package sifcore

import (
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/thejerf/abtime"
)

func newTestSessions(cfg *ConfigSessions) (*SessionRegistry, *abtime.ManualTime) {
	clock := abtime.NewManualAtTime(time.Unix(1500000000, 0).UTC())
	return NewSessionRegistry(cfg, clock), clock
}

func TestSessionActiveProject(t *testing.T) {
	reg, _ := newTestSessions(&ConfigSessions{TTLSeconds: 3600})

	assert.Equal(t, "", reg.GetActive("/C=DK/CN=Alice", "davs"))
	reg.SetActive("/C=DK/CN=Alice", "davs", "/C=DK/CN=Alice/GDP=climate")
	assert.Equal(t, "/C=DK/CN=Alice/GDP=climate", reg.GetActive("/C=DK/CN=Alice", "davs"))
	// Protocols are independent
	assert.Equal(t, "", reg.GetActive("/C=DK/CN=Alice", "sftp"))

	reg.ClearActive("/C=DK/CN=Alice", "davs")
	assert.Equal(t, "", reg.GetActive("/C=DK/CN=Alice", "davs"))
}

func TestApprovalOnceIsConsumed(t *testing.T) {
	reg, _ := newTestSessions(&ConfigSessions{TTLSeconds: 3600})

	reg.Approve("https://id.example.org/id/alice", "https://sp.example.org/", ApproveOnce)
	assert.True(t, reg.IsApproved("https://id.example.org/id/alice", "https://sp.example.org/"))
	assert.False(t, reg.IsApproved("https://id.example.org/id/alice", "https://sp.example.org/"))
}

func TestApprovalAlwaysSurvivesUntilExpiry(t *testing.T) {
	reg, clock := newTestSessions(&ConfigSessions{TTLSeconds: 3600})

	reg.Approve("https://id.example.org/id/alice", "https://sp.example.org/", ApproveAlways)
	assert.True(t, reg.IsApproved("https://id.example.org/id/alice", "https://sp.example.org/"))
	assert.True(t, reg.IsApproved("https://id.example.org/id/alice", "https://sp.example.org/"))

	clock.Advance(3601 * time.Second)
	assert.False(t, reg.IsApproved("https://id.example.org/id/alice", "https://sp.example.org/"))
}

func TestApprovalIsScopedToTrustRoot(t *testing.T) {
	reg, _ := newTestSessions(&ConfigSessions{TTLSeconds: 3600})

	reg.Approve("https://id.example.org/id/alice", "https://sp.example.org/", ApproveAlways)
	assert.False(t, reg.IsApproved("https://id.example.org/id/alice", "https://evil.example.org/"))
	assert.False(t, reg.IsApproved("https://id.example.org/id/bob", "https://sp.example.org/"))
}

func TestEffectiveExpireShortenNotLengthen(t *testing.T) {
	reg, clock := newTestSessions(&ConfigSessions{TTLSeconds: 3600})
	serverExpire := clock.Now().Add(time.Hour)

	// No client value: server wins
	assert.Equal(t, serverExpire, reg.EffectiveExpire(""))

	// A client may shorten its session
	shorter := clock.Now().Add(10 * time.Minute).Unix()
	assert.Equal(t, time.Unix(shorter, 0), reg.EffectiveExpire(strconv.FormatInt(shorter, 10)))

	// But never lengthen it
	longer := clock.Now().Add(48 * time.Hour).Unix()
	assert.Equal(t, serverExpire, reg.EffectiveExpire(strconv.FormatInt(longer, 10)))

	// Garbage falls back to the server value
	assert.Equal(t, serverExpire, reg.EffectiveExpire("14e7"))
	assert.Equal(t, serverExpire, reg.EffectiveExpire("-12"))
}

func TestSessionTTLCap(t *testing.T) {
	reg, _ := newTestSessions(&ConfigSessions{})
	assert.Equal(t, 24*time.Hour, reg.TTL())

	reg, _ = newTestSessions(&ConfigSessions{TTLSeconds: 3600})
	assert.Equal(t, time.Hour, reg.TTL())

	// The cap wins over a longer configured TTL
	reg, _ = newTestSessions(&ConfigSessions{TTLSeconds: 300000, MaxTTLSeconds: 172800})
	assert.Equal(t, 48*time.Hour, reg.TTL())

	reg, _ = newTestSessions(&ConfigSessions{TTLSeconds: 3600, MaxTTLSeconds: 172800})
	assert.Equal(t, time.Hour, reg.TTL())
}

func TestSessionCookieAttributes(t *testing.T) {
	w := httptest.NewRecorder()
	SetSessionCookies(w, "alice@example.org", time.Unix(1500003600, 0), true)

	cookies := w.Result().Cookies()
	assert.Equal(t, 2, len(cookies))
	for _, c := range cookies {
		assert.True(t, c.Secure, "cookie %v must be Secure", c.Name)
		assert.True(t, c.HttpOnly, "cookie %v must be HttpOnly", c.Name)
	}
	assert.Equal(t, userCookieName, cookies[0].Name)
	assert.Equal(t, "alice@example.org", cookies[0].Value)
	assert.Equal(t, expireCookieName, cookies[1].Name)
	assert.Equal(t, "1500003600", cookies[1].Value)
}

func TestClearSessionCookies(t *testing.T) {
	w := httptest.NewRecorder()
	ClearSessionCookies(w, true)

	cookies := w.Result().Cookies()
	assert.Equal(t, 2, len(cookies))
	for _, c := range cookies {
		assert.Equal(t, "", c.Value)
		assert.True(t, c.Expires.Before(time.Now()))
	}
}
