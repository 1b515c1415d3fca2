package main

import (
	"fmt"
	"os"

	"github.com/sifgrid/sifcore"
)

const usage = `Usage: sifadmin <path to sifcore.json> <command> [args]

Commands:
  users                                list user accounts
  useradd <clientID> <shortID> <pwd>   create a user account
  userdel <clientID>                   remove a user account
  suspend <clientID>                   suspend a user account
  resume <clientID>                    re-activate a suspended account
  setattr <clientID> <name> <value>    set a profile attribute
  projects                             list projects with live memberships
  closeall <protocol>                  force-close all project logins on a protocol
`

func fail(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 3 {
		fmt.Print(usage)
		os.Exit(1)
	}
	cfg := &sifcore.Config{}
	if err := cfg.LoadFile(os.Args[1]); err != nil {
		fail("Error loading config %v: %v", os.Args[1], err)
	}
	central, err := sifcore.NewCentralFromConfig(cfg)
	if err != nil {
		fail("Error opening stores: %v", err)
	}
	defer central.Close()

	store := central.GetUserStore()
	cmd, args := os.Args[2], os.Args[3:]
	switch cmd {
	case "users":
		users, err := store.GetUsers()
		if err != nil {
			fail("Error: %v", err)
		}
		for _, u := range users {
			fmt.Printf("%-40v %-30v %v\n", u.ClientID, u.ShortID, u.AccountState)
		}
	case "useradd":
		if len(args) != 3 {
			fail(usage)
		}
		user := &sifcore.UserRecord{
			ClientID:     args[0],
			ShortID:      args[1],
			AccountState: sifcore.AccountActive,
		}
		if err := store.CreateUser(user, args[2]); err != nil {
			fail("Error creating %v: %v", args[0], err)
		}
		central.Auditor.AuditUserAction("sifadmin", "User: "+args[0], "cli", sifcore.AuditActionCreated)
	case "userdel":
		if len(args) != 1 {
			fail(usage)
		}
		if err := store.RemoveUser(args[0]); err != nil {
			fail("Error removing %v: %v", args[0], err)
		}
		central.Auditor.AuditUserAction("sifadmin", "User: "+args[0], "cli", sifcore.AuditActionDeleted)
	case "suspend", "resume":
		if len(args) != 1 {
			fail(usage)
		}
		state, action := sifcore.AccountSuspended, sifcore.AuditActionSuspended
		if cmd == "resume" {
			state, action = sifcore.AccountActive, sifcore.AuditActionResumed
		}
		if err := store.SetAccountState(args[0], state); err != nil {
			fail("Error on %v: %v", args[0], err)
		}
		if central.GDP() != nil {
			if err := central.GDP().SetAccountState(args[0], state); err != nil && err != sifcore.ErrIdentityAuthNotFound {
				fail("Error updating project access for %v: %v", args[0], err)
			}
		}
		central.Auditor.AuditUserAction("sifadmin", "User: "+args[0], "cli", action)
	case "setattr":
		if len(args) != 3 {
			fail(usage)
		}
		before, err := store.GetUser(args[0])
		if err != nil {
			fail("Error: %v", err)
		}
		if err := store.SetAttribute(args[0], args[1], args[2]); err != nil {
			fail("Error updating %v: %v", args[0], err)
		}
		after, err := store.GetUser(args[0])
		if err != nil {
			fail("Error: %v", err)
		}
		patch, err := sifcore.UserDocumentPatch(before, after)
		if err != nil {
			fail("Error diffing %v: %v", args[0], err)
		}
		central.Auditor.AuditUserAction("sifadmin", "User: "+args[0], patch, sifcore.AuditActionUpdated)
	case "projects":
		if central.GDP() == nil {
			fail("GDP mode is disabled in the configuration")
		}
		projects, err := central.GDP().GetProjects()
		if err != nil {
			fail("Error: %v", err)
		}
		for _, p := range projects {
			fmt.Println(p)
		}
	case "closeall":
		if len(args) != 1 {
			fail(usage)
		}
		if central.GDP() == nil {
			fail("GDP mode is disabled in the configuration")
		}
		if err := central.GDP().CloseAll(args[0], true); err != nil {
			fail("Error: %v", err)
		}
	default:
		fmt.Print(usage)
		os.Exit(1)
	}
}
