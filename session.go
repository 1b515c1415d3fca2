package sifcore

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/thejerf/abtime"
)

const (
	userCookieName   = "user"
	expireCookieName = "session_expire"
)

type ApprovalMode string

const (
	ApproveOnce   ApprovalMode = "once"
	ApproveAlways ApprovalMode = "always"
)

type sessionKey struct {
	user  string // client ID
	proto string
}

type approvalKey struct {
	identity  string
	trustRoot string
}

type approvalEntry struct {
	mode    ApprovalMode
	expires time.Time
}

// SessionEntry is the per (user, protocol) login state.
type SessionEntry struct {
	ActiveProject string // project client ID, empty when no project open
	LastLoginTime time.Time
	LastLoginIP   string
}

// SessionRegistry holds the in-memory login state of the daemon: which project
// a user has open per protocol, and which (identity, trust root) pairs the
// user has approved for OpenID assertions. One mutex guards all of it.
type SessionRegistry struct {
	cfg   *ConfigSessions
	clock abtime.AbstractTime

	lock      sync.Mutex
	sessions  map[sessionKey]*SessionEntry
	approvals map[approvalKey]*approvalEntry

	// The checkid request a user is currently deciding on, keyed by cookie user.
	// Rendered on the approval page and consumed by the /allow handler.
	pending map[string]*CheckIDRequest
}

func NewSessionRegistry(cfg *ConfigSessions, clock abtime.AbstractTime) *SessionRegistry {
	return &SessionRegistry{
		cfg:       cfg,
		clock:     clock,
		sessions:  map[sessionKey]*SessionEntry{},
		approvals: map[approvalKey]*approvalEntry{},
		pending:   map[string]*CheckIDRequest{},
	}
}

func (x *SessionRegistry) TTL() time.Duration {
	x.lock.Lock()
	defer x.lock.Unlock()
	return x.ttlLocked()
}

// Assume that the lock is held
func (x *SessionRegistry) ttlLocked() time.Duration {
	ttl := 24 * time.Hour
	if x.cfg.TTLSeconds > 0 {
		ttl = time.Duration(x.cfg.TTLSeconds) * time.Second
	}
	if x.cfg.MaxTTLSeconds > 0 {
		if max := time.Duration(x.cfg.MaxTTLSeconds) * time.Second; ttl > max {
			ttl = max
		}
	}
	return ttl
}

// SetConfig swaps the TTL settings at runtime. Existing approvals keep the
// expiry they were stamped with.
func (x *SessionRegistry) SetConfig(cfg ConfigSessions) {
	x.lock.Lock()
	defer x.lock.Unlock()
	*x.cfg = cfg
}

func (x *SessionRegistry) entry(user, proto string) *SessionEntry {
	key := sessionKey{user: user, proto: proto}
	e := x.sessions[key]
	if e == nil {
		e = &SessionEntry{}
		x.sessions[key] = e
	}
	return e
}

func (x *SessionRegistry) RecordLogin(user, proto, ip string) {
	x.lock.Lock()
	defer x.lock.Unlock()
	e := x.entry(user, proto)
	e.LastLoginTime = x.clock.Now()
	e.LastLoginIP = ip
}

func (x *SessionRegistry) SetActive(user, proto, projectClientID string) {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.entry(user, proto).ActiveProject = projectClientID
}

func (x *SessionRegistry) ClearActive(user, proto string) {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.entry(user, proto).ActiveProject = ""
}

func (x *SessionRegistry) GetActive(user, proto string) string {
	x.lock.Lock()
	defer x.lock.Unlock()
	e := x.sessions[sessionKey{user: user, proto: proto}]
	if e == nil {
		return ""
	}
	return e.ActiveProject
}

// Approve records a user's decision for (identity, trustRoot).
func (x *SessionRegistry) Approve(identity, trustRoot string, mode ApprovalMode) {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.approvals[approvalKey{identity: identity, trustRoot: trustRoot}] = &approvalEntry{
		mode:    mode,
		expires: x.clock.Now().Add(x.ttlLocked()),
	}
}

// IsApproved reports whether (identity, trustRoot) carries a live approval.
// A "once" approval is consumed by this check.
func (x *SessionRegistry) IsApproved(identity, trustRoot string) bool {
	x.lock.Lock()
	defer x.lock.Unlock()
	key := approvalKey{identity: identity, trustRoot: trustRoot}
	e := x.approvals[key]
	if e == nil {
		return false
	}
	if x.clock.Now().After(e.expires) {
		delete(x.approvals, key)
		return false
	}
	if e.mode == ApproveOnce {
		delete(x.approvals, key)
	}
	return true
}

// ExpireApprovals drops approvals past their expiry.
func (x *SessionRegistry) ExpireApprovals() {
	x.lock.Lock()
	defer x.lock.Unlock()
	now := x.clock.Now()
	for key, e := range x.approvals {
		if now.After(e.expires) {
			delete(x.approvals, key)
		}
	}
}

// StashPending stores the checkid request the cookie user must decide on.
func (x *SessionRegistry) StashPending(cookieUser string, req *CheckIDRequest) {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.pending[cookieUser] = req
}

// TakePending returns and removes the stashed checkid request, or nil.
func (x *SessionRegistry) TakePending(cookieUser string) *CheckIDRequest {
	x.lock.Lock()
	defer x.lock.Unlock()
	req := x.pending[cookieUser]
	delete(x.pending, cookieUser)
	return req
}

func (x *SessionRegistry) PeekPending(cookieUser string) *CheckIDRequest {
	x.lock.Lock()
	defer x.lock.Unlock()
	return x.pending[cookieUser]
}

// EffectiveExpire computes the session expiry for a request. The server
// computes now+TTL; a client-sent session_expire cookie is honored only when
// it is all digits and does not exceed the server's value, so a client can
// shorten its own session but never lengthen it.
func (x *SessionRegistry) EffectiveExpire(clientValue string) time.Time {
	serverExpire := x.clock.Now().Add(x.TTL())
	if clientValue == "" {
		return serverExpire
	}
	n, err := strconv.ParseInt(clientValue, 10, 64)
	if err != nil || n <= 0 {
		return serverExpire
	}
	clientExpire := time.Unix(n, 0)
	if clientExpire.After(serverExpire) {
		return serverExpire
	}
	return clientExpire
}

// SetSessionCookies writes the user and session_expire cookies.
func SetSessionCookies(w http.ResponseWriter, user string, expire time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     userCookieName,
		Value:    user,
		Path:     "/",
		Expires:  expire,
		Secure:   secure,
		HttpOnly: true,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     expireCookieName,
		Value:    strconv.FormatInt(expire.Unix(), 10),
		Path:     "/",
		Expires:  expire,
		Secure:   secure,
		HttpOnly: true,
	})
}

// ClearSessionCookies overwrites both session cookies with empty values and an
// Expires in the past.
func ClearSessionCookies(w http.ResponseWriter, secure bool) {
	past := time.Unix(1, 0)
	for _, name := range []string{userCookieName, expireCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Expires:  past,
			Secure:   secure,
			HttpOnly: true,
		})
	}
}
