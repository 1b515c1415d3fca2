package sifcore

import (
	"github.com/mavricknz/ldap"
)

type LdapConnectionMode int

const (
	LdapConnectionModePlainText LdapConnectionMode = iota
	LdapConnectionModeSSL                          = iota
	LdapConnectionModeTLS                          = iota
)

// ldapAuthenticator is the institutional bind backend. It can only answer
// yes/no to a credential pair; account metadata for such identities still
// comes from the local user store.
type ldapAuthenticator struct {
	con *ldap.LDAPConnection
}

func (x *ldapAuthenticator) Authenticate(identity, password string) (er error) {
	if len(password) == 0 {
		// Many LDAP servers (or AD) will allow an anonymous BIND.
		// A password-less institutional login is never acceptable here.
		er = ErrInvalidPassword
		return
	}
	err := x.con.Bind(identity, password)
	if err != nil {
		er = NewError(ErrIdentityAuthNotFound, err.Error())
	}
	return
}

func (x *ldapAuthenticator) Close() {
	if x.con != nil {
		x.con.Close()
		x.con = nil
	}
}

// NewInstitutionalAuthenticator builds the LDAP bind backend from config.
func NewInstitutionalAuthenticator(cfg *ConfigInstitutional) (Authenticator, error) {
	mode := configLdapNameToMode[cfg.Encryption]
	return NewAuthenticator_LDAP(mode, cfg.LdapHost, uint16(cfg.LdapPort))
}

func NewAuthenticator_LDAP(mode LdapConnectionMode, host string, port uint16) (Authenticator, error) {
	con := ldap.NewLDAPConnection(host, port)
	switch mode {
	case LdapConnectionModePlainText:
	case LdapConnectionModeSSL:
		con.IsSSL = true
	case LdapConnectionModeTLS:
		con.IsTLS = true
	}
	if err := con.Connect(); err != nil {
		con.Close()
		return nil, NewError(ErrConnect, err.Error())
	}
	return &ldapAuthenticator{con: con}, nil
}
