package sifcore

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/IMQS/log"
)

// On-disk names inside the GDP home
const (
	gdpUsersDBName  = "gdp-users.db"
	gdpUsersLogName = "gdp-users.log"
)

type ProjectState string

const (
	ProjectInvited  ProjectState = "invited"
	ProjectAccepted ProjectState = "accepted"
	ProjectRemoved  ProjectState = "removed"
)

// ProjectAction is one entry of a project's category action trail.
type ProjectAction struct {
	Date       time.Time `json:"date"`
	User       string    `json:"user"` // scrambled
	Action     string    `json:"action"`
	Target     string    `json:"target,omitempty"`
	References []string  `json:"references,omitempty"`
}

type CategoryMeta struct {
	CategoryID string          `json:"category_id"`
	Actions    []ProjectAction `json:"actions"`
}

// ProjectEntry is one user's participation in one project.
type ProjectEntry struct {
	State        ProjectState `json:"state"`
	ClientID     string       `json:"client_id"` // the project client ID: <DN>/GDP=<project>
	CategoryMeta CategoryMeta `json:"category_meta"`
}

type LastLogin struct {
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
}

// ProtocolAccount is the per-protocol login state of a GDP account.
type ProtocolAccount struct {
	Role      string    `json:"role"` // active project client ID, "" when none
	LastLogin LastLogin `json:"last_login"`
}

type GDPAccount struct {
	State     AccountState                `json:"state"`
	Protocols map[string]*ProtocolAccount `json:"protocols"`
}

// GDPUser is one user's document in the project database.
type GDPUser struct {
	Projects map[string]*ProjectEntry `json:"projects"`
	Account  GDPAccount               `json:"account"`
}

func newGDPUser() *GDPUser {
	u := &GDPUser{
		Projects: map[string]*ProjectEntry{},
		Account: GDPAccount{
			State:     AccountActive,
			Protocols: map[string]*ProtocolAccount{},
		},
	}
	for _, proto := range ValidProtocols {
		u.Account.Protocols[proto] = &ProtocolAccount{}
	}
	return u
}

func (u *GDPUser) protocol(proto string) *ProtocolAccount {
	if u.Account.Protocols == nil {
		u.Account.Protocols = map[string]*ProtocolAccount{}
	}
	p := u.Account.Protocols[proto]
	if p == nil {
		p = &ProtocolAccount{}
		u.Account.Protocols[proto] = p
	}
	return p
}

// ProjectDB is the file-locked GDP user/project database: a JSON map of client
// ID to user document, with a sibling .lock file. Reads take a shared lock,
// writes hold the exclusive lock across the whole read-modify-write.
type ProjectDB struct {
	path string
	log  *log.Logger
}

func NewProjectDB(home string, logger *log.Logger) *ProjectDB {
	return &ProjectDB{path: filepath.Join(home, gdpUsersDBName), log: logger}
}

func (x *ProjectDB) lockPath() string {
	return x.path + ".lock"
}

func (x *ProjectDB) readLocked() (map[string]*GDPUser, error) {
	raw, err := ioutil.ReadFile(x.path)
	if os.IsNotExist(err) {
		return map[string]*GDPUser{}, nil
	}
	if err != nil {
		return nil, err
	}
	db := map[string]*GDPUser{}
	if len(raw) != 0 {
		if err := json.Unmarshal(raw, &db); err != nil {
			return nil, NewError(ErrSchemaViolation, "database is not valid JSON: "+err.Error())
		}
	}
	if err := validateGDPDB(db); err != nil {
		x.log.Errorf("GDP database failed validation: %v", err)
		return nil, err
	}
	return db, nil
}

// Load returns the database under a shared lock.
func (x *ProjectDB) Load() (map[string]*GDPUser, error) {
	flock, err := AcquireFileLock(x.lockPath(), false, true)
	if err != nil {
		return nil, err
	}
	defer ReleaseFileLock(flock)
	return x.readLocked()
}

// Update runs fn over the database under the exclusive lock, validates the
// result, and atomically replaces the file. A failing fn leaves the file
// untouched.
func (x *ProjectDB) Update(fn func(db map[string]*GDPUser) error) error {
	flock, err := AcquireFileLock(x.lockPath(), true, true)
	if err != nil {
		return err
	}
	defer ReleaseFileLock(flock)
	db, err := x.readLocked()
	if err != nil {
		return err
	}
	if err := fn(db); err != nil {
		return err
	}
	if err := validateGDPDB(db); err != nil {
		x.log.Errorf("GDP database update produced an invalid document: %v", err)
		return err
	}
	raw, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(x.path, raw, 0600)
}

// validateGDPDB checks the whole database against the document schema. Errors
// name the offending field path.
func validateGDPDB(db map[string]*GDPUser) error {
	for clientID, user := range db {
		if user == nil {
			return schemaErr("%v: null user document", clientID)
		}
		switch user.Account.State {
		case AccountActive, AccountSuspended, AccountRemoved:
		default:
			return schemaErr("%v: account.state: invalid state", clientID)
		}
		for proto, acct := range user.Account.Protocols {
			if !validProtocol(proto) {
				return schemaErr("%v: account.%v: unknown protocol", clientID, proto)
			}
			if acct == nil {
				return schemaErr("%v: account.%v: null entry", clientID, proto)
			}
			if acct.Role != "" {
				name := ProjectNameOf(acct.Role)
				entry := user.Projects[name]
				if entry == nil {
					return schemaErr("%v: account.%v.role: references unknown project", clientID, proto)
				}
				if entry.State != ProjectAccepted {
					return schemaErr("%v: account.%v.role: references project in state %v", clientID, proto, entry.State)
				}
			}
		}
		for name, entry := range user.Projects {
			if entry == nil {
				return schemaErr("%v: projects.%v: null entry", clientID, name)
			}
			switch entry.State {
			case ProjectInvited, ProjectAccepted, ProjectRemoved:
			default:
				return schemaErr("%v: projects.%v.state: invalid state", clientID, name)
			}
			if entry.ClientID == "" {
				return schemaErr("%v: projects.%v.client_id: empty", clientID, name)
			}
		}
	}
	return nil
}

func schemaErr(format string, args ...interface{}) error {
	return NewError(ErrSchemaViolation, fmt.Sprintf(format, args...))
}

func validProtocol(proto string) bool {
	for _, p := range ValidProtocols {
		if p == proto {
			return true
		}
	}
	return false
}

//////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const projectClientIDSep = "/GDP="

// ProjectClientID is the synthetic identity of a user acting inside a project.
func ProjectClientID(clientID, project string) string {
	return clientID + projectClientIDSep + project
}

// ProjectNameOf extracts the project name from a project client ID, or ""
// when the ID carries no project part.
func ProjectNameOf(projectClientID string) string {
	i := strings.Index(projectClientID, projectClientIDSep)
	if i < 0 {
		return ""
	}
	rest := projectClientID[i+len(projectClientIDSep):]
	for j := 0; j < len(rest); j++ {
		if rest[j] == '/' {
			return rest[:j]
		}
	}
	return rest
}

// BaseClientIDOf strips the project part off a project client ID.
func BaseClientIDOf(projectClientID string) string {
	i := strings.Index(projectClientID, projectClientIDSep)
	if i < 0 {
		return projectClientID
	}
	return projectClientID[:i]
}

// ClientIDDir maps a client ID to its on-disk directory name.
func ClientIDDir(clientID string) string {
	out := make([]byte, len(clientID))
	for i := 0; i < len(clientID); i++ {
		switch clientID[i] {
		case '/':
			out[i] = '+'
		case ' ':
			out[i] = '_'
		default:
			out[i] = clientID[i]
		}
	}
	return string(out)
}
