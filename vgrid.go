package sifcore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// VGridTable is the external ownership/membership table backing GDP projects.
// Projects map one-to-one onto VGrids; the engine never stores owner lists in
// the user database.
type VGridTable interface {
	Create(project, ownerClientID string) error
	Remove(project string) error
	Exists(project string) bool
	IsOwner(project, clientID string) bool
	AddMember(project, memberID string) error
	RemoveMember(project, memberID string) error
	Members(project string) ([]string, error)
}

// fileVGridTable keeps each VGrid as a directory under the VGrid home, with
// plain-text "owners" and "members" lists.
type fileVGridTable struct {
	home string
	lock sync.Mutex
}

func NewFileVGridTable(home string) VGridTable {
	return &fileVGridTable{home: home}
}

func (x *fileVGridTable) dir(project string) string {
	return filepath.Join(x.home, project)
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	lines := []string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeLines(path string, lines []string) error {
	body := strings.Join(lines, "\n")
	if body != "" {
		body += "\n"
	}
	return writeFileAtomic(path, []byte(body), 0600)
}

func (x *fileVGridTable) Create(project, ownerClientID string) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	dir := x.dir(project)
	if _, err := os.Stat(dir); err == nil {
		return ErrProjectExists
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := writeLines(filepath.Join(dir, "owners"), []string{ownerClientID}); err != nil {
		return err
	}
	return writeLines(filepath.Join(dir, "members"), nil)
}

func (x *fileVGridTable) Remove(project string) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	return os.RemoveAll(x.dir(project))
}

func (x *fileVGridTable) Exists(project string) bool {
	_, err := os.Stat(x.dir(project))
	return err == nil
}

func (x *fileVGridTable) IsOwner(project, clientID string) bool {
	x.lock.Lock()
	defer x.lock.Unlock()
	owners, err := readLines(filepath.Join(x.dir(project), "owners"))
	if err != nil {
		return false
	}
	for _, owner := range owners {
		if owner == clientID {
			return true
		}
	}
	return false
}

func (x *fileVGridTable) AddMember(project, memberID string) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	path := filepath.Join(x.dir(project), "members")
	members, err := readLines(path)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m == memberID {
			return nil
		}
	}
	return writeLines(path, append(members, memberID))
}

func (x *fileVGridTable) RemoveMember(project, memberID string) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	path := filepath.Join(x.dir(project), "members")
	members, err := readLines(path)
	if err != nil {
		return err
	}
	kept := members[:0]
	for _, m := range members {
		if m != memberID {
			kept = append(kept, m)
		}
	}
	return writeLines(path, kept)
}

func (x *fileVGridTable) Members(project string) ([]string, error) {
	x.lock.Lock()
	defer x.lock.Unlock()
	return readLines(filepath.Join(x.dir(project), "members"))
}
