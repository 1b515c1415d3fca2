package sifcore

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/IMQS/log"
	"github.com/thejerf/abtime"
)

// ActionLogger writes the append-only per-project logs. Identities never
// appear in clear: every client ID is replaced by its scramble, and the
// DN-to-scramble mapping is registered once in the sidecar gdp-users.log so a
// user keeps the same hash across all projects and restarts.
type ActionLogger struct {
	home     string
	scramble string // "", "simple", "safe"
	clock    abtime.AbstractTime
	log      *log.Logger

	lock   sync.Mutex
	hashes map[string]string // client ID -> scramble, mirror of the sidecar
}

func NewActionLogger(cfg *ConfigGDP, clock abtime.AbstractTime, logger *log.Logger) (*ActionLogger, error) {
	switch cfg.IDScramble {
	case "", "false", "simple", "safe":
	default:
		return nil, NewError(ErrSchemaViolation, "unsupported IDScramble value")
	}
	x := &ActionLogger{
		home:     cfg.Home,
		scramble: cfg.IDScramble,
		clock:    clock,
		log:      logger,
		hashes:   map[string]string{},
	}
	if err := x.loadSidecar(); err != nil {
		return nil, err
	}
	return x, nil
}

func (x *ActionLogger) sidecarPath() string {
	return filepath.Join(x.home, gdpUsersLogName)
}

// ScrambleID maps a user ID to its logged form.
func (x *ActionLogger) ScrambleID(id string) string {
	switch x.scramble {
	case "", "false":
		return id
	case "simple":
		sum := md5.Sum([]byte(id))
		return hex.EncodeToString(sum[:])
	default:
		return HashSecret(id)
	}
}

// Sidecar line format: "<date> : <DN> : <hash> :"
func (x *ActionLogger) loadSidecar() error {
	file, err := os.Open(x.sidecarPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), " : ")
		if len(fields) < 3 {
			continue
		}
		x.hashes[fields[1]] = fields[2]
	}
	return scanner.Err()
}

// RegisterUser returns the stable scramble for clientID, appending the
// mapping to the sidecar on first sight.
func (x *ActionLogger) RegisterUser(clientID string) (string, error) {
	x.lock.Lock()
	defer x.lock.Unlock()
	if hash, seen := x.hashes[clientID]; seen {
		return hash, nil
	}
	hash := x.ScrambleID(clientID)
	line := fmt.Sprintf("%s : %s : %s :\n",
		x.clock.Now().Format("2006-01-02 15:04:05"), clientID, hash)
	if err := x.appendLine(x.sidecarPath(), line); err != nil {
		return "", err
	}
	x.hashes[clientID] = hash
	return hash, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// LogAction appends one line to the project's action log:
// ts : project : user_hash : ip : proto : action : OK|FAILED : src : dst : details :
func (x *ActionLogger) LogAction(project, clientID, ip, proto, action string, ok bool, src, dst, details string) error {
	hash, err := x.RegisterUser(clientID)
	if err != nil {
		return err
	}
	status := "OK"
	if !ok {
		status = "FAILED"
	}
	fields := []string{
		x.clock.Now().Format("2006-01-02 15:04:05"),
		project,
		hash,
		orDash(ip),
		orDash(proto),
		action,
		status,
		orDash(src),
		orDash(dst),
		orDash(details),
	}
	line := strings.Join(fields, " : ") + " :\n"
	dir := filepath.Join(x.home, project)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	path := filepath.Join(dir, project+".log")
	if err := x.appendLine(path, line); err != nil {
		x.log.Errorf("Failed to append to project log %v: %v", path, err)
		return err
	}
	return nil
}

func (x *ActionLogger) appendLine(path, line string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteString(line); err != nil {
		return err
	}
	return nil
}
