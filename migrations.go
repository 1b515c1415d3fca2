package sifcore

import (
	"database/sql"

	"github.com/BurntSushi/migration"
)

// RunMigrations brings the user store schema up to date. It is safe to run
// on every daemon start.
func RunMigrations(conx *ConfigDBConnection) error {
	db, err := migration.Open("postgres", conx.ConnectionString(), createMigrations())
	if err == nil {
		db.Close()
	}
	return err
}

func createMigrations() []migration.Migrator {
	var migrations []migration.Migrator

	text := []string{
		// 1. siteuser
		`CREATE TABLE siteuser (clientid VARCHAR PRIMARY KEY, shortid VARCHAR, password VARCHAR, expiry TIMESTAMP, state VARCHAR, attributes VARCHAR);
		CREATE UNIQUE INDEX idx_siteuser_shortid ON siteuser (LOWER(shortid));`,

		// 2. per-protocol aliases
		`CREATE TABLE siteuser_alias (id BIGSERIAL PRIMARY KEY, clientid VARCHAR REFERENCES siteuser (clientid), proto VARCHAR, alias VARCHAR);
		CREATE INDEX idx_siteuser_alias_alias ON siteuser_alias (LOWER(alias));
		CREATE UNIQUE INDEX idx_siteuser_alias_proto ON siteuser_alias (clientid, proto);`,

		// 3. ssh public key fingerprints
		`CREATE TABLE siteuser_pubkey (id BIGSERIAL PRIMARY KEY, clientid VARCHAR REFERENCES siteuser (clientid), fingerprint VARCHAR);
		CREATE INDEX idx_siteuser_pubkey_clientid ON siteuser_pubkey (clientid);`,
	}

	for _, src := range text {
		srcCapture := src
		migrations = append(migrations, func(tx migration.LimitedTx) error {
			_, err := tx.Exec(srcCapture)
			return err
		})
	}
	return migrations
}

// SqlCreateDatabase creates the configured database if it does not exist yet.
func SqlCreateDatabase(conx *ConfigDBConnection) error {
	// The postgres driver will not return an error until we attempt to start a transaction
	if db, eConnect := conx.Connect(); eConnect == nil {
		if tx, eTxBegin := db.Begin(); eTxBegin == nil {
			tx.Rollback()
			db.Close()
			return nil
		}
		// database does not exist, go ahead and try to create it
		db.Close()
	} else {
		return eConnect
	}
	// Connect via the 'postgres' database
	copy := *conx
	copy.Database = "postgres"
	var db *sql.DB
	var err error
	if db, err = copy.Connect(); err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec("CREATE DATABASE \"" + conx.Database + "\"")
	return err
}
