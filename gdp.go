package sifcore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/IMQS/log"
	"github.com/google/uuid"
	"github.com/thejerf/abtime"
)

// Log actions of the project engine
const (
	actionCreateProject = "create_project"
	actionInviteUser    = "invited_user"
	actionAcceptUser    = "accepted_user"
	actionRemoveUser    = "removed_user"
	actionLoggedIn      = "logged_in"
	actionLoggedOut     = "logged_out"
)

var reProjectName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Names that can never be project names because the GDP home uses them
var reservedProjectNames = map[string]bool{
	gdpUsersDBName:            true,
	gdpUsersDBName + ".lock":  true,
	gdpUsersLogName:           true,
	"owners":                  true,
	"members":                 true,
}

// ProjectEngine is the GDP project state machine. All mutations run as
// read-modify-write transactions on the ProjectDB under its exclusive lock;
// project creation is the only multi-step mutator and carries a rollback list.
type ProjectEngine struct {
	cfg     *ConfigGDP
	clock   abtime.AbstractTime
	log     *log.Logger
	db      *ProjectDB
	actions *ActionLogger
	vgrids  VGridTable

	users    UserStore
	sessions *SessionRegistry

	createLock sync.Mutex
}

func NewProjectEngine(cfg *ConfigGDP, clock abtime.AbstractTime, logger *log.Logger) (*ProjectEngine, error) {
	if cfg.Home == "" {
		return nil, NewError(ErrConnect, "GDP home not configured")
	}
	for _, dir := range []string{cfg.Home, cfg.VGridHome, cfg.VGridFilesHome, cfg.UserHome} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	actions, err := NewActionLogger(cfg, clock, logger)
	if err != nil {
		return nil, err
	}
	return &ProjectEngine{
		cfg:     cfg,
		clock:   clock,
		log:     logger,
		db:      NewProjectDB(cfg.Home, logger),
		actions: actions,
		vgrids:  NewFileVGridTable(cfg.VGridHome),
	}, nil
}

// Bind attaches the stores the engine mutates on accept/remove.
func (x *ProjectEngine) Bind(users UserStore, sessions *SessionRegistry) {
	x.users = users
	x.sessions = sessions
}

// VGrids exposes the ownership table, mainly for tests and the admin tool.
func (x *ProjectEngine) VGrids() VGridTable {
	return x.vgrids
}

func (x *ProjectEngine) DB() *ProjectDB {
	return x.db
}

func (x *ProjectEngine) ActionLog() *ActionLogger {
	return x.actions
}

func (x *ProjectEngine) validateProjectName(project string) error {
	if project == "" || len(project) > 64 || !reProjectName.MatchString(project) || reservedProjectNames[project] {
		return NewError(ErrInvalidRequest, "invalid project name")
	}
	return nil
}

func (x *ProjectEngine) ioTimeout(proto string) time.Duration {
	return time.Duration(x.cfg.IOSessionTimeoutSeconds[proto]) * time.Second
}

func (x *ProjectEngine) appendAction(entry *ProjectEntry, clientID, action, target string) {
	hash, err := x.actions.RegisterUser(clientID)
	if err != nil {
		hash = x.actions.ScrambleID(clientID)
	}
	entry.CategoryMeta.Actions = append(entry.CategoryMeta.Actions, ProjectAction{
		Date:       x.clock.Now(),
		User:       hash,
		Action:     action,
		Target:     target,
		References: []string{uuid.New().String()},
	})
}

func projectKnownToDB(db map[string]*GDPUser, project string) bool {
	for _, user := range db {
		if entry := user.Projects[project]; entry != nil && entry.State != ProjectRemoved {
			return true
		}
	}
	return false
}

func getOrCreateUser(db map[string]*GDPUser, clientID string) *GDPUser {
	user := db[clientID]
	if user == nil {
		user = newGDPUser()
		db[clientID] = user
	}
	return user
}

//////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type rollbackList struct {
	steps []func()
}

func (r *rollbackList) add(step func()) {
	r.steps = append(r.steps, step)
}

func (r *rollbackList) run() {
	for i := len(r.steps) - 1; i >= 0; i-- {
		r.steps[i]()
	}
}

// Create provisions a new project for owner: the VGrid files and home
// directories, the ownership table, the GDP log directory, and the owner's own
// membership (invite plus accept in one step). The database lock is held
// across the whole attempt; every completed step is undone if a later one
// fails.
func (x *ProjectEngine) Create(ownerClientID, project, categoryID string) error {
	// Rejected names never touch the per-project action log, which would
	// create a directory named after whatever the caller sent
	if err := x.validateProjectName(project); err != nil {
		x.log.Errorf("Project create rejected for %v: %v", x.actions.ScrambleID(ownerClientID), err)
		return err
	}
	x.createLock.Lock()
	defer x.createLock.Unlock()

	err := x.db.Update(func(db map[string]*GDPUser) error {
		if projectKnownToDB(db, project) || x.vgrids.Exists(project) {
			return NewError(ErrProjectExists, project)
		}
		rollback := rollbackList{}
		failed := func(err error) error {
			rollback.run()
			return err
		}

		filesDir := filepath.Join(x.cfg.VGridFilesHome, project)
		if _, errStat := os.Stat(filesDir); errStat == nil {
			return NewError(ErrProjectExists, "project files directory already exists")
		}
		if errDir := os.MkdirAll(filesDir, 0700); errDir != nil {
			return failed(errDir)
		}
		rollback.add(func() { os.RemoveAll(filesDir) })

		if errVGrid := x.vgrids.Create(project, ownerClientID); errVGrid != nil {
			return failed(errVGrid)
		}
		rollback.add(func() { x.vgrids.Remove(project) })

		owner := getOrCreateUser(db, ownerClientID)
		entry := &ProjectEntry{
			State:    ProjectInvited,
			ClientID: ProjectClientID(ownerClientID, project),
			CategoryMeta: CategoryMeta{
				CategoryID: categoryID,
				Actions:    []ProjectAction{},
			},
		}
		owner.Projects[project] = entry
		x.appendAction(entry, ownerClientID, actionCreateProject, project)
		x.appendAction(entry, ownerClientID, actionInviteUser, ownerClientID)

		if errAccept := x.acceptLocked(db, ownerClientID, project, &rollback); errAccept != nil {
			return failed(errAccept)
		}
		return nil
	})

	x.actions.LogAction(project, ownerClientID, "", "", actionCreateProject, err == nil, "", "", "")
	if err != nil {
		x.log.Errorf("Project create %v for %v failed: %v", project, x.actions.ScrambleID(ownerClientID), err)
	}
	return err
}

// Invite marks invitee as invited to the project. Only a VGrid owner of the
// project may invite, and the invitee must not already hold a live entry.
func (x *ProjectEngine) Invite(ownerClientID, inviteeClientID, project, categoryID string) error {
	err := x.db.Update(func(db map[string]*GDPUser) error {
		if !x.vgrids.IsOwner(project, ownerClientID) {
			return ErrNotProjectOwner
		}
		invitee := getOrCreateUser(db, inviteeClientID)
		if existing := invitee.Projects[project]; existing != nil && existing.State != ProjectRemoved {
			return NewError(ErrWrongProjectState, "user already "+string(existing.State))
		}
		entry := &ProjectEntry{
			State:    ProjectInvited,
			ClientID: ProjectClientID(inviteeClientID, project),
			CategoryMeta: CategoryMeta{
				CategoryID: categoryID,
				Actions:    []ProjectAction{},
			},
		}
		invitee.Projects[project] = entry
		x.appendAction(entry, ownerClientID, actionInviteUser, inviteeClientID)
		return nil
	})
	x.actions.LogAction(project, ownerClientID, "", "", actionInviteUser, err == nil, "", "", "")
	return err
}

// Accept transitions an invited user to accepted, creating the project shadow
// user, the home symlink into the VGrid files directory, and the VGrid
// membership.
func (x *ProjectEngine) Accept(clientID, project string) error {
	err := x.db.Update(func(db map[string]*GDPUser) error {
		user := db[clientID]
		if user == nil || user.Projects[project] == nil {
			return ErrNoSuchProject
		}
		if user.Projects[project].State != ProjectInvited {
			return NewError(ErrWrongProjectState, "expected invited, found "+string(user.Projects[project].State))
		}
		rollback := rollbackList{}
		if err := x.acceptLocked(db, clientID, project, &rollback); err != nil {
			rollback.run()
			return err
		}
		return nil
	})
	x.actions.LogAction(project, clientID, "", "", actionAcceptUser, err == nil, "", "", "")
	return err
}

// acceptLocked performs the acceptance side effects. Assume that the database
// lock is held and that the invited entry exists.
func (x *ProjectEngine) acceptLocked(db map[string]*GDPUser, clientID, project string, rollback *rollbackList) error {
	entry := db[clientID].Projects[project]
	projectClientID := entry.ClientID

	if x.users != nil {
		shadow, err := x.shadowUserFor(clientID, project, projectClientID)
		if err != nil {
			return err
		}
		if err := x.users.CreateUser(shadow, ""); err != nil && err != ErrIdentityExists {
			return err
		}
		rollback.add(func() { x.users.RemoveUser(projectClientID) })
	}

	if x.cfg.UserHome != "" {
		linkDir := filepath.Join(x.cfg.UserHome, ClientIDDir(projectClientID))
		if err := os.MkdirAll(linkDir, 0700); err != nil {
			return err
		}
		link := filepath.Join(linkDir, project)
		target := filepath.Join(x.cfg.VGridFilesHome, project)
		if err := os.Symlink(target, link); err != nil && !os.IsExist(err) {
			return err
		}
		rollback.add(func() { os.Remove(link) })
	}

	if err := x.vgrids.AddMember(project, projectClientID); err != nil {
		return err
	}
	rollback.add(func() { x.vgrids.RemoveMember(project, projectClientID) })

	entry.State = ProjectAccepted
	x.appendAction(entry, clientID, actionAcceptUser, clientID)
	return nil
}

// shadowUserFor derives the project shadow user from the base user record.
// The shadow carries the project client ID and per-protocol aliases suffixed
// with the project name.
func (x *ProjectEngine) shadowUserFor(clientID, project, projectClientID string) (*UserRecord, error) {
	base, err := x.users.GetUser(clientID)
	if err != nil {
		return nil, err
	}
	shadow := &UserRecord{
		ClientID:     projectClientID,
		ShortID:      base.ShortID + "@" + project,
		Aliases:      map[string]string{},
		PasswordBlob: base.PasswordBlob,
		Expiry:       base.Expiry,
		AccountState: AccountActive,
		Attributes:   map[string]string{"project": project},
	}
	for proto, alias := range base.Aliases {
		shadow.Aliases[proto] = alias + "@" + project
	}
	return shadow, nil
}

// Remove takes a user out of a project. A VGrid owner cannot be removed.
func (x *ProjectEngine) Remove(ownerClientID, targetClientID, project string) error {
	err := x.db.Update(func(db map[string]*GDPUser) error {
		if !x.vgrids.IsOwner(project, ownerClientID) {
			return ErrNotProjectOwner
		}
		if x.vgrids.IsOwner(project, targetClientID) {
			return ErrOwnerIrremovable
		}
		target := db[targetClientID]
		if target == nil || target.Projects[project] == nil {
			return ErrNoSuchProject
		}
		entry := target.Projects[project]
		switch entry.State {
		case ProjectInvited:
			// No side effects were provisioned yet
		case ProjectAccepted:
			projectClientID := entry.ClientID
			if err := x.vgrids.RemoveMember(project, projectClientID); err != nil {
				return err
			}
			if x.users != nil {
				if err := x.users.RemoveUser(projectClientID); err != nil && err != ErrIdentityAuthNotFound {
					return err
				}
			}
			if x.cfg.UserHome != "" {
				os.Remove(filepath.Join(x.cfg.UserHome, ClientIDDir(projectClientID), project))
			}
			// Force the role off every protocol that still points at the project
			for _, acct := range target.Account.Protocols {
				if acct.Role == projectClientID {
					acct.Role = ""
				}
			}
		default:
			return NewError(ErrWrongProjectState, "user already removed")
		}
		entry.State = ProjectRemoved
		x.appendAction(entry, ownerClientID, actionRemoveUser, targetClientID)
		return nil
	})
	x.actions.LogAction(project, ownerClientID, "", "", actionRemoveUser, err == nil, "", "", "")
	return err
}

// Open makes project the active one for (user, proto). When another project is
// active on davs, the caller must wait out the io session timeout since the
// current project's last activity; other protocols log the old project out
// automatically.
func (x *ProjectEngine) Open(clientID, proto, project, clientIP string) error {
	if !validProtocol(proto) {
		return NewError(ErrInvalidRequest, "unknown protocol")
	}
	var oldProject string
	err := x.db.Update(func(db map[string]*GDPUser) error {
		user := db[clientID]
		if user == nil {
			return ErrIdentityAuthNotFound
		}
		if user.Account.State != AccountActive {
			return NewError(ErrAccountSuspended, "account is "+string(user.Account.State))
		}
		entry := user.Projects[project]
		if entry == nil {
			return ErrNoSuchProject
		}
		if entry.State != ProjectAccepted {
			return NewError(ErrWrongProjectState, "membership is "+string(entry.State))
		}
		acct := user.protocol(proto)
		newRole := entry.ClientID
		if acct.Role != "" && acct.Role != newRole {
			if proto == ProtoDavs {
				elapsed := x.clock.Now().Sub(acct.LastLogin.Timestamp)
				if timeout := x.ioTimeout(proto); elapsed < timeout {
					remain := int((timeout - elapsed).Seconds() + 0.5)
					return NewError(ErrWrongProjectState,
						fmt.Sprintf("Wait %d seconds for autologout of %v", remain, ProjectNameOf(acct.Role)))
				}
			}
			oldProject = ProjectNameOf(acct.Role)
		}
		acct.Role = newRole
		acct.LastLogin = LastLogin{Timestamp: x.clock.Now(), IP: clientIP}
		x.appendAction(entry, clientID, actionLoggedIn, "")
		return nil
	})
	if err == nil {
		if oldProject != "" {
			x.actions.LogAction(oldProject, clientID, clientIP, proto, actionLoggedOut, true, "", "", "autologout")
		}
		x.actions.LogAction(project, clientID, clientIP, proto, actionLoggedIn, true, "", "", "")
		if x.sessions != nil {
			x.sessions.SetActive(clientID, proto, ProjectClientID(clientID, project))
		}
	} else {
		x.actions.LogAction(project, clientID, clientIP, proto, actionLoggedIn, false, "", "", "")
	}
	return err
}

// Close logs the active project out for (user, proto).
func (x *ProjectEngine) Close(clientID, proto string) error {
	var project string
	err := x.db.Update(func(db map[string]*GDPUser) error {
		user := db[clientID]
		if user == nil {
			return ErrIdentityAuthNotFound
		}
		acct := user.protocol(proto)
		if acct.Role == "" {
			return NewError(ErrWrongProjectState, "no active project")
		}
		project = ProjectNameOf(acct.Role)
		if entry := user.Projects[project]; entry != nil {
			x.appendAction(entry, clientID, actionLoggedOut, "")
		}
		acct.Role = ""
		return nil
	})
	if err == nil {
		x.actions.LogAction(project, clientID, "", proto, actionLoggedOut, true, "", "", "")
		if x.sessions != nil {
			x.sessions.ClearActive(clientID, proto)
		}
	}
	return err
}

// CloseAll logs every user out of their active project on proto. This walks
// the whole database and is intended for administrative shutdown only; the
// admin flag is a deliberate hurdle.
func (x *ProjectEngine) CloseAll(proto string, admin bool) error {
	if !admin {
		return NewError(ErrUnsupported, "CloseAll requires the admin flag")
	}
	closed := map[string]string{}
	err := x.db.Update(func(db map[string]*GDPUser) error {
		for clientID, user := range db {
			acct := user.Account.Protocols[proto]
			if acct == nil || acct.Role == "" {
				continue
			}
			project := ProjectNameOf(acct.Role)
			if entry := user.Projects[project]; entry != nil {
				x.appendAction(entry, clientID, actionLoggedOut, "")
			}
			acct.Role = ""
			closed[clientID] = project
		}
		return nil
	})
	if err != nil {
		return err
	}
	for clientID, project := range closed {
		x.actions.LogAction(project, clientID, "", proto, actionLoggedOut, true, "", "", "administrative logout")
		if x.sessions != nil {
			x.sessions.ClearActive(clientID, proto)
		}
	}
	return nil
}

// ActiveProject returns the project client ID active for (user, proto), or "".
func (x *ProjectEngine) ActiveProject(clientID, proto string) (string, error) {
	db, err := x.db.Load()
	if err != nil {
		return "", err
	}
	user := db[clientID]
	if user == nil {
		return "", nil
	}
	acct := user.Account.Protocols[proto]
	if acct == nil {
		return "", nil
	}
	return acct.Role, nil
}

// SetAccountState suspends, resumes, or retires a whole GDP account.
func (x *ProjectEngine) SetAccountState(clientID string, state AccountState) error {
	switch state {
	case AccountActive, AccountSuspended, AccountRemoved:
	default:
		return NewError(ErrInvalidRequest, "unknown account state")
	}
	return x.db.Update(func(db map[string]*GDPUser) error {
		user := db[clientID]
		if user == nil {
			return ErrIdentityAuthNotFound
		}
		user.Account.State = state
		if state != AccountActive {
			for _, acct := range user.Account.Protocols {
				acct.Role = ""
			}
		}
		return nil
	})
}

// GetUsers returns the whole project database under the shared lock.
func (x *ProjectEngine) GetUsers() (map[string]*GDPUser, error) {
	return x.db.Load()
}

// GetProjects lists the distinct projects with at least one live entry.
func (x *ProjectEngine) GetProjects() ([]string, error) {
	db, err := x.db.Load()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, user := range db {
		for name, entry := range user.Projects {
			if entry.State != ProjectRemoved {
				seen[name] = true
			}
		}
	}
	projects := make([]string, 0, len(seen))
	for name := range seen {
		projects = append(projects, name)
	}
	sort.Strings(projects)
	return projects, nil
}

// GetUser returns a copy of one user document.
func (x *ProjectEngine) GetUser(clientID string) (*GDPUser, error) {
	db, err := x.db.Load()
	if err != nil {
		return nil, err
	}
	user := db[clientID]
	if user == nil {
		return nil, ErrIdentityAuthNotFound
	}
	// Deep copy through the same encoding the file uses
	raw, err := json.Marshal(user)
	if err != nil {
		return nil, err
	}
	clone := &GDPUser{}
	if err := json.Unmarshal(raw, clone); err != nil {
		return nil, err
	}
	return clone, nil
}
