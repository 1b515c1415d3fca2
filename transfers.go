package sifcore

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/IMQS/log"
	"github.com/thejerf/abtime"
)

const (
	datatransfersFilename = "transfers.db"
	transferOutputDir     = "transfer_output"

	transferDigestRealm = "datatransfer"
	hiddenCredential    = "**HIDDEN**"
)

const (
	TransferImport = "import"
	TransferExport = "export"
)

const (
	TransferStatusNew     = "NEW"
	TransferStatusRunning = "RUNNING"
	TransferStatusDone    = "DONE"
	TransferStatusFailed  = "FAILED"
)

var reTransferID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var transferProtocols = map[string]bool{
	"sftp":     true,
	"ftps":     true,
	"webdavs":  true,
	"https":    true,
	"http":     true,
	"rsyncssh": true,
	"rsyncd":   true,
}

// Transfer is one background import/export request. The clear password never
// reaches this struct; callers hand it to Create separately and only the
// digest is stored.
type Transfer struct {
	TransferID     string    `json:"transfer_id"`
	Action         string    `json:"action"` // import or export
	Protocol       string    `json:"protocol"`
	FQDN           string    `json:"fqdn"`
	Port           int       `json:"port"`
	Username       string    `json:"username"`
	PasswordDigest string    `json:"password_digest,omitempty"`
	KeyID          string    `json:"key_id,omitempty"`
	Src            []string  `json:"src"`
	Dst            string    `json:"dst"`
	Exclude        []string  `json:"exclude,omitempty"`
	Compress       bool      `json:"compress"`
	Notify         string    `json:"notify,omitempty"`
	Status         string    `json:"status"`
	Owner          string    `json:"owner"`
	Created        time.Time `json:"created_timestamp"`
	Updated        time.Time `json:"updated_timestamp"`
}

// Blinded returns a copy safe for listings, with the credential digest hidden.
func (t *Transfer) Blinded() *Transfer {
	c := *t
	if c.PasswordDigest != "" {
		c.PasswordDigest = hiddenCredential
	}
	return &c
}

func (t *Transfer) validate() error {
	if !reTransferID.MatchString(t.TransferID) {
		return NewError(ErrInvalidTransfer, "bad transfer_id")
	}
	if t.Action != TransferImport && t.Action != TransferExport {
		return NewError(ErrInvalidTransfer, "action must be import or export")
	}
	if !transferProtocols[t.Protocol] {
		return NewError(ErrInvalidTransfer, "unknown protocol")
	}
	if t.Protocol == "rsyncssh" && t.KeyID == "" {
		return NewError(ErrInvalidTransfer, "rsyncssh requires a key_id")
	}
	if t.FQDN == "" {
		return NewError(ErrInvalidTransfer, "missing fqdn")
	}
	if len(t.Src) == 0 || t.Dst == "" {
		return NewError(ErrInvalidTransfer, "missing src or dst")
	}
	switch t.Status {
	case TransferStatusNew, TransferStatusRunning, TransferStatusDone, TransferStatusFailed:
	default:
		return NewError(ErrInvalidTransfer, "unknown status")
	}
	return nil
}

// TransferStore is the per-user registry of data transfers. Each user has a
// JSON file under their settings directory with a sibling .lock; loads take
// the lock shared, mutations exclusive across the whole read-modify-write.
// Non-blocking callers get ErrLockBusy on contention instead of waiting.
type TransferStore struct {
	cfg        *ConfigTransfers
	digestSalt string
	clock      abtime.AbstractTime
	log        *log.Logger
}

func NewTransferStore(cfg *ConfigTransfers, digestSalt string, clock abtime.AbstractTime, logger *log.Logger) *TransferStore {
	return &TransferStore{cfg: cfg, digestSalt: digestSalt, clock: clock, log: logger}
}

func (x *TransferStore) userDir(clientID string) string {
	return filepath.Join(x.cfg.UserSettingsDir, ClientIDDir(clientID))
}

func (x *TransferStore) transfersPath(clientID string) string {
	return filepath.Join(x.userDir(clientID), datatransfersFilename)
}

// StatusDir is where the runner daemon writes per-transfer status, stdout and
// stderr files.
func (x *TransferStore) StatusDir(clientID, transferID string) string {
	return filepath.Join(x.userDir(clientID), transferOutputDir, transferID)
}

func (x *TransferStore) readLocked(path string) (map[string]*Transfer, error) {
	raw, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]*Transfer{}, nil
	}
	if err != nil {
		return nil, err
	}
	transfers := map[string]*Transfer{}
	if len(raw) != 0 {
		if err := json.Unmarshal(raw, &transfers); err != nil {
			return nil, err
		}
	}
	return transfers, nil
}

// Load returns all transfers owned by clientID under a shared lock.
func (x *TransferStore) Load(clientID string, blocking bool) (map[string]*Transfer, error) {
	path := x.transfersPath(clientID)
	flock, err := AcquireFileLock(path+".lock", false, blocking)
	if err != nil {
		return nil, err
	}
	defer ReleaseFileLock(flock)
	return x.readLocked(path)
}

// Get returns one transfer.
func (x *TransferStore) Get(clientID, transferID string, blocking bool) (*Transfer, error) {
	transfers, err := x.Load(clientID, blocking)
	if err != nil {
		return nil, err
	}
	t := transfers[transferID]
	if t == nil {
		return nil, NewError(ErrNoSuchTransfer, transferID)
	}
	return t, nil
}

// modify runs fn on the registry under the exclusive lock and persists the
// result. The entire load-modify-save is one critical section.
func (x *TransferStore) modify(clientID string, blocking bool, fn func(transfers map[string]*Transfer) error) error {
	if err := os.MkdirAll(x.userDir(clientID), 0700); err != nil {
		return err
	}
	path := x.transfersPath(clientID)
	flock, err := AcquireFileLock(path+".lock", true, blocking)
	if err != nil {
		return err
	}
	defer ReleaseFileLock(flock)
	transfers, err := x.readLocked(path)
	if err != nil {
		return err
	}
	if err := fn(transfers); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(transfers, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, raw, 0600)
}

// Create registers a new transfer. An empty TransferID is stamped as
// transfer-<unix ms>. A clear password, if supplied, is digested under the
// datatransfer realm with the site salt and discarded.
func (x *TransferStore) Create(clientID string, t *Transfer, clearPassword string, blocking bool) (string, error) {
	spec := *t
	if spec.TransferID == "" {
		spec.TransferID = fmt.Sprintf("transfer-%d", x.clock.Now().UnixMilli())
	}
	if spec.Status == "" {
		spec.Status = TransferStatusNew
	}
	if clearPassword != "" {
		spec.PasswordDigest = MakeDigest(transferDigestRealm, clientID, clearPassword, x.digestSalt)
	}
	if err := spec.validate(); err != nil {
		return "", err
	}
	now := x.clock.Now()
	spec.Owner = clientID
	spec.Created = now
	spec.Updated = now

	err := x.modify(clientID, blocking, func(transfers map[string]*Transfer) error {
		if transfers[spec.TransferID] != nil {
			return NewError(ErrTransferExists, spec.TransferID)
		}
		transfers[spec.TransferID] = &spec
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(x.StatusDir(clientID, spec.TransferID), 0700); err != nil {
		x.log.Warnf("Could not create transfer status dir for %v: %v", spec.TransferID, err)
	}
	x.log.Infof("Created transfer %v for %v", spec.TransferID, HashSecret(clientID))
	return spec.TransferID, nil
}

// Update merges changed fields of an existing transfer. This is what the
// runner daemon uses to advance Status.
func (x *TransferStore) Update(clientID string, t *Transfer, blocking bool) error {
	return x.modify(clientID, blocking, func(transfers map[string]*Transfer) error {
		existing := transfers[t.TransferID]
		if existing == nil {
			return NewError(ErrNoSuchTransfer, t.TransferID)
		}
		merged := *t
		merged.Owner = existing.Owner
		merged.Created = existing.Created
		if merged.PasswordDigest == "" || merged.PasswordDigest == hiddenCredential {
			merged.PasswordDigest = existing.PasswordDigest
		}
		merged.Updated = x.clock.Now()
		if err := merged.validate(); err != nil {
			return err
		}
		transfers[t.TransferID] = &merged
		return nil
	})
}

// Delete removes a transfer without checking ownership beyond the per-user
// file scoping.
func (x *TransferStore) Delete(clientID, transferID string, blocking bool) error {
	return x.modify(clientID, blocking, func(transfers map[string]*Transfer) error {
		if transfers[transferID] == nil {
			return NewError(ErrNoSuchTransfer, transferID)
		}
		delete(transfers, transferID)
		return nil
	})
}

// VerifyTransferPassword checks a clear password against a stored transfer.
func (x *TransferStore) VerifyTransferPassword(clientID string, t *Transfer, clearPassword string) bool {
	return VerifyDigest(transferDigestRealm, clientID, clearPassword, t.PasswordDigest, x.digestSalt)
}
