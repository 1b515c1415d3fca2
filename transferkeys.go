package sifcore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/IMQS/log"
	"golang.org/x/crypto/ssh"
)

const userKeysDirName = "transfer_keys"

// restrictOptions are prepended to every exported public key line so the key
// is only usable for transfers from the configured hosts, with no shell
// conveniences.
const restrictOptions = "no-pty,no-port-forwarding,no-agent-forwarding,no-X11-forwarding"

var transferKeyBits = map[int]bool{
	2048: true,
	3072: true,
	4096: true,
}

// TransferKey is the public half of a stored RSA key pair. The private half
// never leaves the key directory.
type TransferKey struct {
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"`
	Created   int64  `json:"created"`
}

// TransferKeyStore manages per-user RSA key pairs for rsync-over-ssh
// transfers. Keys live as <key_id> and <key_id>.pub under the user's
// transfer_keys directory.
type TransferKeyStore struct {
	cfg *ConfigTransfers
	log *log.Logger
}

func NewTransferKeyStore(cfg *ConfigTransfers, logger *log.Logger) *TransferKeyStore {
	return &TransferKeyStore{cfg: cfg, log: logger}
}

func (x *TransferKeyStore) keysDir(clientID string) string {
	return filepath.Join(x.cfg.UserSettingsDir, ClientIDDir(clientID), userKeysDirName)
}

func validateKeyID(keyID string) error {
	if !reTransferID.MatchString(keyID) || strings.HasSuffix(keyID, ".pub") {
		return NewError(ErrInvalidRequest, "bad key id")
	}
	return nil
}

// Generate creates a fresh RSA key pair under the caller's key directory.
// An existing key of the same name is never overwritten.
func (x *TransferKeyStore) Generate(clientID, keyID string) (*TransferKey, error) {
	if err := validateKeyID(keyID); err != nil {
		return nil, err
	}
	bits := x.cfg.KeyBits
	if bits == 0 {
		bits = 2048
	}
	if !transferKeyBits[bits] {
		return nil, NewError(ErrInvalidRequest, "unsupported key size")
	}
	dir := x.keysDir(clientID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	privPath := filepath.Join(dir, keyID)
	if _, err := os.Stat(privPath); err == nil {
		return nil, NewError(ErrKeyExists, keyID)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	privPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	sshPub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	pubLine := strings.TrimRight(string(ssh.MarshalAuthorizedKey(sshPub)), "\n") + " " + keyID + "\n"

	// O_EXCL so a concurrent Generate of the same id cannot clobber the key.
	f, err := os.OpenFile(privPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, NewError(ErrKeyExists, keyID)
		}
		return nil, err
	}
	if _, err := f.Write(privPem); err != nil {
		f.Close()
		os.Remove(privPath)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(privPath)
		return nil, err
	}
	if err := writeFileAtomic(privPath+".pub", []byte(pubLine), 0644); err != nil {
		os.Remove(privPath)
		return nil, err
	}
	x.log.Infof("Generated %v-bit transfer key %v for %v", bits, keyID, HashSecret(clientID))
	return &TransferKey{
		KeyID:     keyID,
		PublicKey: strings.TrimRight(pubLine, "\n"),
		Created:   time.Now().Unix(),
	}, nil
}

// Get returns the public half of a stored key.
func (x *TransferKeyStore) Get(clientID, keyID string) (*TransferKey, error) {
	if err := validateKeyID(keyID); err != nil {
		return nil, err
	}
	privPath := filepath.Join(x.keysDir(clientID), keyID)
	st, err := os.Stat(privPath)
	if err != nil {
		return nil, NewError(ErrNoSuchKey, keyID)
	}
	pub, err := ioutil.ReadFile(privPath + ".pub")
	if err != nil {
		return nil, NewError(ErrNoSuchKey, keyID)
	}
	return &TransferKey{
		KeyID:     keyID,
		PublicKey: strings.TrimRight(string(pub), "\n"),
		Created:   st.ModTime().Unix(),
	}, nil
}

// List returns the public halves of all keys owned by clientID.
func (x *TransferKeyStore) List(clientID string) ([]*TransferKey, error) {
	entries, err := ioutil.ReadDir(x.keysDir(clientID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []*TransferKey
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		k, err := x.Get(clientID, e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Delete removes both halves of a key pair.
func (x *TransferKeyStore) Delete(clientID, keyID string) error {
	if err := validateKeyID(keyID); err != nil {
		return err
	}
	privPath := filepath.Join(x.keysDir(clientID), keyID)
	if _, err := os.Stat(privPath); err != nil {
		return NewError(ErrNoSuchKey, keyID)
	}
	if err := os.Remove(privPath); err != nil {
		return err
	}
	if err := os.Remove(privPath + ".pub"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RestrictedPublicKey renders the authorized_keys line for a key, limited to
// the configured source hosts and stripped of interactive capabilities.
func (x *TransferKeyStore) RestrictedPublicKey(key *TransferKey) string {
	opts := restrictOptions
	if len(x.cfg.KeyRestrictHosts) > 0 {
		opts = `from="` + strings.Join(x.cfg.KeyRestrictHosts, ",") + `",` + opts
	}
	return opts + " " + key.PublicKey
}

// PrivateKeyPath exposes where the runner daemon finds the private half.
func (x *TransferKeyStore) PrivateKeyPath(clientID, keyID string) string {
	return filepath.Join(x.keysDir(clientID), keyID)
}
