package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/sifgrid/sifcore"
)

// sifldapcheck verifies that the institutional LDAP settings in a config can
// actually bind a user, without starting the whole daemon.
func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: sifldapcheck <path to sifcore.json> <identity>")
		os.Exit(1)
	}
	cfg := &sifcore.Config{}
	if err := cfg.LoadFile(os.Args[1]); err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Institutional.LdapHost == "" {
		fmt.Println("No institutional LDAP host configured")
		os.Exit(1)
	}

	fmt.Printf("Password for %v: ", os.Args[2])
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Printf("Error reading password: %v\n", err)
		os.Exit(1)
	}

	auth, err := sifcore.NewInstitutionalAuthenticator(&cfg.Institutional)
	if err != nil {
		fmt.Printf("Error connecting to %v: %v\n", cfg.Institutional.LdapHost, err)
		os.Exit(1)
	}
	defer auth.Close()

	if err := auth.Authenticate(os.Args[2], string(password)); err != nil {
		fmt.Printf("Bind failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Bind OK")
}
