package sifcore

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IMQS/log"
	"github.com/google/uuid"
	"github.com/thejerf/abtime"
)

const (
	// Number of characters in a session/association handle
	sessionTokenLength = 30

	// Minimum seconds between opportunistic expiry sweeps of the
	// rate-limit table and stale session entries
	defaultMinExpireDelay = 120
)

// Protocols that can hold an active project role. The OpenID frontend
// rate-limits under its own protocol name.
const (
	ProtoHTTPS  = "https"
	ProtoDavs   = "davs"
	ProtoSFTP   = "sftp"
	ProtoOpenID = "openid"
)

var ValidProtocols = []string{ProtoHTTPS, ProtoDavs, ProtoSFTP}

var (
	// Connection/base errors
	ErrConnect     = errors.New("Connect failed")
	ErrUnsupported = errors.New("Unsupported operation")

	// Identity errors
	ErrIdentityAuthNotFound = errors.New("Identity authorization not found")
	ErrIdentityEmpty        = errors.New("Identity may not be empty")
	ErrIdentityExists       = errors.New("Identity already exists")

	// Credential errors
	ErrInvalidPassword    = errors.New("Invalid password")
	ErrInvalidCredentials = errors.New("Invalid Credentials") // LDAP does not distinguish 'identity not found' from 'invalid password'
	ErrAccountExpired     = errors.New("Account expired")
	ErrAccountSuspended   = errors.New("Account suspended")
	ErrRateLimited        = errors.New("Too many failed attempts")

	// Request errors
	ErrInvalidRequest      = errors.New("Invalid request")
	ErrInvalidSessionToken = errors.New("Invalid session token")

	// GDP project errors
	ErrNoSuchProject     = errors.New("No such project")
	ErrProjectExists     = errors.New("Project already exists")
	ErrNotProjectOwner   = errors.New("Not a project owner")
	ErrOwnerIrremovable  = errors.New("Project owner cannot be removed")
	ErrWrongProjectState = errors.New("Project participation is in the wrong state")
	ErrSchemaViolation   = errors.New("User database schema violation")

	// Shared file errors
	ErrLockBusy = errors.New("Resource is locked by another operation")

	// Transfer errors
	ErrNoSuchTransfer  = errors.New("No such transfer")
	ErrTransferExists  = errors.New("Transfer already exists")
	ErrInvalidTransfer = errors.New("Invalid transfer specification")
	ErrNoSuchKey       = errors.New("No such transfer key")
	ErrKeyExists       = errors.New("Transfer key already exists")
)

// NewError is to be used whenever you return an error. This ensures that the base error
// remains detectable with a prefix match, while still giving the user a specific message.
func NewError(base error, detail string) error {
	if detail == "" {
		return base
	}
	return errors.New(base.Error() + ": " + detail)
}

// CanonicalizeIdentity transforms an identity into its canonical form. What this
// means is that any two identities are considered equal if their canonical forms
// are equal. This is simply a lower-casing of the identity, so that
// "bob@enterprise.com" is equal to "Bob@enterprise.com".
// It also trims the whitespace around the identity.
// Distinguished names are left with their original case because the DN is the
// on-disk directory name of the user.
func CanonicalizeIdentity(identity string) string {
	if strings.HasPrefix(identity, "/") {
		return strings.TrimSpace(identity)
	}
	return strings.TrimSpace(strings.ToLower(identity))
}

// RandomString returns a random string of 'nchars' bytes, sampled uniformly from the given corpus of byte characters.
func RandomString(nchars int, corpus string) string {
	rbytes := make([]byte, nchars)
	rstring := make([]byte, nchars)
	rand.Read(rbytes)
	for i := 0; i < nchars; i++ {
		rstring[i] = corpus[rbytes[i]%byte(len(corpus))]
	}
	return string(rstring)
}

func generateSessionKey() string {
	return generateRandomKey(sessionTokenLength)
}

func generateRandomKey(length int) string {
	// It is important not to have any unusual characters in here, especially an equals sign,
	// because these keys end up in cookies and OpenID kv-form values.
	return RandomString(length, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
}

// Statistics about the core
type CentralStats struct {
	InvalidRequests       uint64
	InvalidPasswords      uint64
	EmptyIdentities       uint64
	GoodLogin             uint64
	Logout                uint64
	RateLimited           uint64
	Assertions            uint64
	ProjectOpens          uint64
	UserLoginAttempts     map[string]uint64
	userLoginAttemptsLock sync.Mutex
}

func isPowerOf2(x uint64) bool {
	return 0 == x&(x-1)
}

func (x *CentralStats) IncrementAndLog(name string, val *uint64, logger *log.Logger) {
	n := atomic.AddUint64(val, 1)
	if isPowerOf2(n) || (n&255) == 0 {
		logger.Infof("%v %v", n, name)
	}
}

func (x *CentralStats) IncrementInvalidPasswordHistory(logger *log.Logger, username string, clientIPAddress string) {
	x.userLoginAttemptsLock.Lock()
	defer x.userLoginAttemptsLock.Unlock()
	x.UserLoginAttempts[username]++
	count := x.UserLoginAttempts[username]
	if count < 5 || isPowerOf2(count) {
		logger.Infof("%v has %v invalid password attempts from %v", username, count, clientIPAddress)
	}
}

func (x *CentralStats) ResetInvalidPasswordHistory(logger *log.Logger, username string, clientIPAddress string) {
	x.userLoginAttemptsLock.Lock()
	defer x.userLoginAttemptsLock.Unlock()
	oldCount := x.UserLoginAttempts[username]
	if oldCount != 0 {
		x.UserLoginAttempts[username] = 0
		logger.Infof("Number of failed log in attempts for %v have been reset, (%v)", username, clientIPAddress)
	}
}

func (x *CentralStats) IncrementInvalidRequests(logger *log.Logger) {
	x.IncrementAndLog("invalid requests", &x.InvalidRequests, logger)
}

func (x *CentralStats) IncrementInvalidPasswords(logger *log.Logger) {
	x.IncrementAndLog("invalid passwords", &x.InvalidPasswords, logger)
}

func (x *CentralStats) IncrementEmptyIdentities(logger *log.Logger) {
	x.IncrementAndLog("empty identities", &x.EmptyIdentities, logger)
}

func (x *CentralStats) IncrementGoodLogin(logger *log.Logger) {
	x.IncrementAndLog("good login", &x.GoodLogin, logger)
}

func (x *CentralStats) IncrementLogout(logger *log.Logger) {
	x.IncrementAndLog("logout", &x.Logout, logger)
}

func (x *CentralStats) IncrementRateLimited(logger *log.Logger) {
	x.IncrementAndLog("rate limited", &x.RateLimited, logger)
}

func (x *CentralStats) IncrementAssertions(logger *log.Logger) {
	x.IncrementAndLog("openid assertions", &x.Assertions, logger)
}

func (x *CentralStats) IncrementProjectOpens(logger *log.Logger) {
	x.IncrementAndLog("project opens", &x.ProjectOpens, logger)
}

// Central brings all of the core components together.
// Handlers must only access the components through Central, which guards the
// process-wide mutable state (rate-limit table, approvals, credential cache).
type Central struct {
	// Stats must be first so that we are guaranteed to get it 8-byte aligned. We atomically
	// increment counters inside CentralStats, and the atomic functions need 8-byte alignment
	// on their operands.
	Stats   CentralStats
	Log     *log.Logger
	Clock   abtime.AbstractTime
	Config  *Config
	Auditor Auditor

	userStore     UserStore
	institutional Authenticator // optional LDAP bind backend, may be nil
	rateLimits    *RateLimitTable
	sessions      *SessionRegistry
	provider      *OpenIDProvider
	gdp           *ProjectEngine
	transfers     *TransferStore
	transferKeys  *TransferKeyStore

	shuttingDown          uint32
	sweepTickerStopReq    chan bool
	sweepTickerStopResp   chan bool
	sweepEnabled          bool
	lastExpireSweepUnix   int64
	minExpireDelaySeconds int64
}

// Create a new Central object from the specified pieces.
// institutional may be nil, in which case only local password auth applies.
func NewCentral(logfile string, cfg *Config, userStore UserStore, institutional Authenticator) (*Central, error) {
	c := &Central{}
	c.Log = log.New(resolveLogfile(logfile), true)
	c.Clock = abtime.NewRealTime()
	c.Config = cfg
	c.Stats.UserLoginAttempts = make(map[string]uint64)
	c.minExpireDelaySeconds = int64(cfg.RateLimit.MinExpireDelaySeconds)
	if c.minExpireDelaySeconds <= 0 {
		c.minExpireDelaySeconds = defaultMinExpireDelay
	}
	if userStore == nil {
		return nil, NewError(ErrConnect, "no user store configured")
	}
	c.userStore = &sanitizingUserStore{backend: userStore}
	c.institutional = institutional
	c.rateLimits = NewRateLimitTable(&cfg.RateLimit, c.Clock, c.Log)
	c.sessions = NewSessionRegistry(&cfg.Sessions, c.Clock)
	c.provider = NewOpenIDProvider(strings.TrimSuffix(cfg.OpenID.ProviderURL, "/")+"/openidserver", c.Clock)
	if cfg.GDP.Enable {
		gdp, err := NewProjectEngine(&cfg.GDP, c.Clock, c.Log)
		if err != nil {
			return nil, err
		}
		c.gdp = gdp
	}
	if c.gdp != nil {
		c.gdp.Bind(c.userStore, c.sessions)
	}
	c.transfers = NewTransferStore(&cfg.Transfers, cfg.SiteDigestSalt, c.Clock, c.Log)
	c.transferKeys = NewTransferKeyStore(&cfg.Transfers, c.Log)
	c.Auditor = NewLogAuditor(c.Log)
	c.startExpireSweeper()
	c.Log.Infof("Central created")
	return c, nil
}

// NewCentralFromConfig creates a Central from a configuration alone, wiring up
// the stores that the configuration names.
func NewCentralFromConfig(cfg *Config) (central *Central, err error) {
	var userStore UserStore
	var institutional Authenticator

	defer func() {
		if ePanic := recover(); ePanic != nil {
			if userStore != nil {
				userStore.Close()
			}
			if institutional != nil {
				institutional.Close()
			}
			err = ePanic.(error)
		}
	}()

	switch cfg.UserStore.Type {
	case "", "file":
		if userStore, err = NewFileUserStore(&cfg.UserStore); err != nil {
			panic(NewError(ErrConnect, "user store: "+err.Error()))
		}
	case "sql":
		if err = RunMigrations(&cfg.UserStore.DBConnection); err != nil {
			panic(NewError(ErrConnect, "migrations: "+err.Error()))
		}
		if userStore, err = NewUserStoreDB_SQL(&cfg.UserStore.DBConnection); err != nil {
			panic(NewError(ErrConnect, "user store: "+err.Error()))
		}
	default:
		panic(NewError(ErrConnect, "unknown user store type "+cfg.UserStore.Type))
	}

	if cfg.Institutional.LdapHost != "" {
		if institutional, err = NewInstitutionalAuthenticator(&cfg.Institutional); err != nil {
			panic(err)
		}
	}

	return NewCentral(cfg.Log.Filename, cfg, userStore, institutional)
}

func resolveLogfile(logfile string) string {
	if logfile != "" {
		return logfile
	}
	return log.Stdout
}

// GetUserStore returns the underlying UserStore, wrapped in a sanitizing layer.
func (x *Central) GetUserStore() UserStore {
	return x.userStore
}

func (x *Central) Sessions() *SessionRegistry {
	return x.sessions
}

func (x *Central) RateLimits() *RateLimitTable {
	return x.rateLimits
}

// Provider is the OpenID protocol engine.
func (x *Central) Provider() *OpenIDProvider {
	return x.provider
}

// GDP returns the project engine, or nil when GDP mode is disabled.
func (x *Central) GDP() *ProjectEngine {
	return x.gdp
}

func (x *Central) Transfers() *TransferStore {
	return x.transfers
}

func (x *Central) TransferKeys() *TransferKeyStore {
	return x.transferKeys
}

// IsShuttingDown is true once Close has begun.
// ApplyReloadedConfig applies the runtime-tunable settings from a re-read
// configuration file: rate-limit thresholds and session TTLs. Listener, store,
// and GDP layout changes still need a restart.
func (x *Central) ApplyReloadedConfig(fresh *Config) {
	x.rateLimits.SetConfig(fresh.RateLimit)
	x.sessions.SetConfig(fresh.Sessions)
	x.Log.Infof("Applied reloaded rate-limit and session settings")
}

func (x *Central) IsShuttingDown() bool {
	return atomic.LoadUint32(&x.shuttingDown) != 0
}

// Authenticate verifies identity/password on the given protocol, consulting
// the rate limiter before and after the credential check.
// Returns the matched user record.
func (x *Central) Authenticate(proto, identity, password, clientIP string) (*UserRecord, error) {
	identity = CanonicalizeIdentity(identity)
	if identity == "" {
		x.Stats.IncrementEmptyIdentities(x.Log)
		return nil, ErrIdentityEmpty
	}

	if x.rateLimits.Hit(proto, clientIP, identity) {
		x.Stats.IncrementRateLimited(x.Log)
		x.Log.Warnf("Rate limit refusal for %v from %v on %v", identity, clientIP, proto)
		// A refused attempt still counts, under a forced-unique secret so the
		// same-password dedup cannot mask the hammering, and the count keeps
		// climbing past the threshold to earn the escalating delay.
		count := x.rateLimits.Update(proto, clientIP, identity, false, HashSecret(uuid.New().String()))
		x.rateLimits.Penalize(proto, clientIP, identity, count)
		return nil, ErrRateLimited
	}

	user, err := x.authenticate(proto, identity, password)
	secretHash := HashSecret(password)
	if err != nil {
		count := x.rateLimits.Update(proto, clientIP, identity, false, secretHash)
		x.Stats.IncrementInvalidPasswords(x.Log)
		x.Stats.IncrementInvalidPasswordHistory(x.Log, identity, clientIP)
		x.rateLimits.Penalize(proto, clientIP, identity, count)
		if x.Auditor != nil {
			x.Auditor.AuditUserAction(identity, "Protocol: "+proto, clientIP, AuditActionFailedLogin)
		}
		return nil, err
	}
	x.rateLimits.Update(proto, clientIP, identity, true, secretHash)
	x.Stats.ResetInvalidPasswordHistory(x.Log, identity, clientIP)
	x.Stats.IncrementGoodLogin(x.Log)
	x.sessions.RecordLogin(user.ClientID, proto, clientIP)
	if x.Auditor != nil {
		x.Auditor.AuditUserAction(identity, "Protocol: "+proto, clientIP, AuditActionAuthentication)
	}
	return user, nil
}

func (x *Central) authenticate(proto, identity, password string) (*UserRecord, error) {
	if err := x.userStore.Refresh(proto, identity); err != nil {
		x.Log.Warnf("User store refresh failed for %v: %v", identity, err)
	}
	candidates, err := x.userStore.Lookup(proto, identity)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		// An institutional directory bind is only attempted for identities that the
		// local store does not know at all.
		if x.institutional != nil {
			if errBind := x.institutional.Authenticate(identity, password); errBind == nil {
				return &UserRecord{ShortID: identity}, nil
			}
		}
		return nil, ErrIdentityAuthNotFound
	}

	now := x.Clock.Now()
	var lastErr error = ErrInvalidPassword
	for _, user := range candidates {
		if user.AccountState == AccountSuspended {
			lastErr = ErrAccountSuspended
			continue
		}
		if !user.Expiry.IsZero() && user.Expiry.Before(now) {
			lastErr = ErrAccountExpired
			continue
		}
		if user.VerifyPassword(password, x.Config.SitePasswordSalt, x.Config.SiteDigestSalt) {
			return user, nil
		}
	}
	return nil, lastErr
}

// The expiry sweeper drops stale rate-limit entries and expired session state.
// It runs at most once per MinExpireDelaySeconds, like the opportunistic
// sweeps in the request path, but from its own goroutine so an idle daemon
// still prunes.
func (x *Central) startExpireSweeper() {
	x.sweepTickerStopReq = make(chan bool)
	x.sweepTickerStopResp = make(chan bool)
	x.sweepEnabled = true
	go func() {
		interval := time.Duration(x.minExpireDelaySeconds) * time.Second
		for {
			select {
			case <-x.sweepTickerStopReq:
				x.sweepTickerStopResp <- true
				return
			case <-time.After(interval):
				x.rateLimits.Expire()
				x.sessions.ExpireApprovals()
			}
		}
	}()
}

// MaybeExpire runs the expiry sweep if at least MinExpireDelaySeconds have
// passed since the previous sweep. Request handlers call this opportunistically.
func (x *Central) MaybeExpire() {
	now := x.Clock.Now().Unix()
	last := atomic.LoadInt64(&x.lastExpireSweepUnix)
	if now-last < x.minExpireDelaySeconds {
		return
	}
	if !atomic.CompareAndSwapInt64(&x.lastExpireSweepUnix, last, now) {
		return
	}
	x.rateLimits.Expire()
	x.sessions.ExpireApprovals()
}

// Close frees all resources that the Central owns
func (x *Central) Close() {
	if x.Log != nil {
		x.Log.Infof("Central shutting down")
	}
	atomic.StoreUint32(&x.shuttingDown, 1)
	if x.sweepEnabled {
		x.sweepTickerStopReq <- true
		<-x.sweepTickerStopResp
		x.sweepEnabled = false
	}
	if x.userStore != nil {
		x.userStore.Close()
		x.userStore = nil
	}
	if x.institutional != nil {
		x.institutional.Close()
		x.institutional = nil
	}
	if x.Log != nil {
		x.Log.Infof("Central closed")
	}
}
