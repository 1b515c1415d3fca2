package sifcore

import (
	"database/sql"
	"encoding/json"
	"strings"

	_ "github.com/lib/pq"
)

// sqlUserStoreDB is the Postgres-backed user store. Sites that feed user
// records out of a central signup pipeline use the flat file store; sites
// that manage accounts live use this one.
type sqlUserStoreDB struct {
	db *sql.DB
}

func NewUserStoreDB_SQL(conx *ConfigDBConnection) (UserStore, error) {
	store := new(sqlUserStoreDB)
	var err error
	if store.db, err = conx.Connect(); err != nil {
		return nil, NewError(ErrConnect, err.Error())
	}
	return store, nil
}

// Refresh is a no-op for SQL; every query sees the current state.
func (x *sqlUserStoreDB) Refresh(proto, identity string) error {
	return nil
}

func (x *sqlUserStoreDB) Lookup(proto, identity string) ([]*UserRecord, error) {
	canonical := CanonicalizeIdentity(identity)
	rows, err := x.db.Query(`
		SELECT DISTINCT u.clientid FROM siteuser AS u
		LEFT JOIN siteuser_alias AS a ON a.clientid = u.clientid AND a.proto = $2
		WHERE (LOWER(u.shortid) = $1 OR u.clientid = $3 OR a.alias = $1)
		AND u.state != 'removed'`, canonical, proto, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var clientIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		clientIDs = append(clientIDs, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	users := make([]*UserRecord, 0, len(clientIDs))
	for _, id := range clientIDs {
		user, err := x.GetUser(id)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (x *sqlUserStoreDB) scanUser(row *sql.Row) (*UserRecord, error) {
	user := &UserRecord{}
	var expiry sql.NullTime
	var state, attrs sql.NullString
	if err := row.Scan(&user.ClientID, &user.ShortID, &user.PasswordBlob, &expiry, &state, &attrs); err != nil {
		if err == sql.ErrNoRows || strings.Index(err.Error(), "no rows in result set") != -1 {
			return nil, ErrIdentityAuthNotFound
		}
		return nil, err
	}
	if expiry.Valid {
		user.Expiry = expiry.Time
	}
	user.AccountState = AccountState(state.String)
	if user.AccountState == "" {
		user.AccountState = AccountActive
	}
	user.Attributes = map[string]string{}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &user.Attributes); err != nil {
			return nil, err
		}
	}
	return user, nil
}

func (x *sqlUserStoreDB) GetUser(clientID string) (*UserRecord, error) {
	user, err := x.scanUser(x.db.QueryRow(
		`SELECT clientid, shortid, password, expiry, state, attributes FROM siteuser WHERE clientid = $1`, clientID))
	if err != nil {
		return nil, err
	}

	user.Aliases = map[string]string{}
	rows, err := x.db.Query(`SELECT proto, alias FROM siteuser_alias WHERE clientid = $1`, clientID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var proto, alias string
		if err := rows.Scan(&proto, &alias); err != nil {
			rows.Close()
			return nil, err
		}
		user.Aliases[proto] = alias
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	rows, err = x.db.Query(`SELECT fingerprint FROM siteuser_pubkey WHERE clientid = $1`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		user.PubKeyFingerprints = append(user.PubKeyFingerprints, fp)
	}
	return user, rows.Err()
}

func (x *sqlUserStoreDB) GetUsers() ([]*UserRecord, error) {
	rows, err := x.db.Query(`SELECT clientid FROM siteuser WHERE state != 'removed' ORDER BY clientid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var clientIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		clientIDs = append(clientIDs, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	users := make([]*UserRecord, 0, len(clientIDs))
	for _, id := range clientIDs {
		user, err := x.GetUser(id)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (x *sqlUserStoreDB) CreateUser(user *UserRecord, password string) error {
	blob := user.PasswordBlob
	if password != "" {
		var err error
		if blob, err = ComputePasswordHash(password); err != nil {
			return err
		}
	}
	attrs, err := json.Marshal(user.Attributes)
	if err != nil {
		return err
	}
	state := user.AccountState
	if state == "" {
		state = AccountActive
	}
	var expiry interface{}
	if !user.Expiry.IsZero() {
		expiry = user.Expiry
	}

	tx, err := x.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO siteuser (clientid, shortid, password, expiry, state, attributes) VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ClientID, user.ShortID, blob, expiry, string(state), string(attrs)); err != nil {
		tx.Rollback()
		if strings.Index(err.Error(), "duplicate key") != -1 {
			return ErrIdentityExists
		}
		return err
	}
	for proto, alias := range user.Aliases {
		if _, err := tx.Exec(`INSERT INTO siteuser_alias (clientid, proto, alias) VALUES ($1, $2, $3)`, user.ClientID, proto, CanonicalizeIdentity(alias)); err != nil {
			tx.Rollback()
			return err
		}
	}
	for _, fp := range user.PubKeyFingerprints {
		if _, err := tx.Exec(`INSERT INTO siteuser_pubkey (clientid, fingerprint) VALUES ($1, $2)`, user.ClientID, fp); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (x *sqlUserStoreDB) RemoveUser(clientID string) error {
	tx, err := x.db.Begin()
	if err != nil {
		return err
	}
	update, err := tx.Exec(`UPDATE siteuser SET state = 'removed' WHERE clientid = $1`, clientID)
	if err != nil {
		tx.Rollback()
		return err
	}
	if affected, _ := update.RowsAffected(); affected != 1 {
		tx.Rollback()
		return ErrIdentityAuthNotFound
	}
	return tx.Commit()
}

func (x *sqlUserStoreDB) SetPassword(clientID, password string) error {
	blob, err := ComputePasswordHash(password)
	if err != nil {
		return err
	}
	update, err := x.db.Exec(`UPDATE siteuser SET password = $1 WHERE clientid = $2 AND state != 'removed'`, blob, clientID)
	if err != nil {
		return err
	}
	if affected, _ := update.RowsAffected(); affected != 1 {
		return ErrIdentityAuthNotFound
	}
	return nil
}

func (x *sqlUserStoreDB) SetAccountState(clientID string, state AccountState) error {
	update, err := x.db.Exec(`UPDATE siteuser SET state = $1 WHERE clientid = $2`, string(state), clientID)
	if err != nil {
		return err
	}
	if affected, _ := update.RowsAffected(); affected != 1 {
		return ErrIdentityAuthNotFound
	}
	return nil
}

func (x *sqlUserStoreDB) SetAttribute(clientID, name, value string) error {
	tx, err := x.db.Begin()
	if err != nil {
		return err
	}
	var raw sql.NullString
	if err := tx.QueryRow(`SELECT attributes FROM siteuser WHERE clientid = $1`, clientID).Scan(&raw); err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return ErrIdentityAuthNotFound
		}
		return err
	}
	attrs := map[string]string{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &attrs); err != nil {
			tx.Rollback()
			return err
		}
	}
	attrs[name] = value
	enc, err := json.Marshal(attrs)
	if err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`UPDATE siteuser SET attributes = $1 WHERE clientid = $2`, string(enc), clientID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (x *sqlUserStoreDB) Close() {
	if x.db != nil {
		x.db.Close()
		x.db = nil
	}
}
