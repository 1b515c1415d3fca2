package sifcore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
)

/*

Example config:

{
	"Log": {
		"Filename":	"/var/log/sifcore/openid.log"
	},
	"HTTP": {
		"Bind":			"0.0.0.0",
		"Port":			8443,
		"ServerBase":	"openid",
		"TLSCertFile":	"/etc/sifcore/combined.pem",
		"TLSKeyFile":	"/etc/sifcore/combined.pem",
		"Enable":		true
	},
	"UserStore": {
		"Type":			"file",
		"Path":			"/var/lib/sifcore/mig-users.db"
	},
	"Institutional": {
		"LdapHost":		"dc.campus.example.org",
		"LdapPort":		389,
		"Encryption":	"TLS"
	},
	"OpenID": {
		"ProviderURL":	"https://ext.example.org/openid/",
		"AuthTypes":	["password"],
		"ExpandShortID": true,
		"SRegFields": {
			"nickname":	"email",
			"email":	"email",
			"fullname":	"full_name",
			"cn":		"full_name",
			"o":		"organization",
			"country":	"country",
			"role":		"role",
			"timezone":	"timezone"
		}
	},
	"Sessions": {
		"TTLSeconds":			86400,
		"MaxTTLSeconds":		172800,
		"MinExpireDelaySeconds":	120
	},
	"RateLimit": {
		"MaxUserHits":			5,
		"FailTTLSeconds":		300,
		"MinExpireDelaySeconds":	300
	},
	"GDP": {
		"Enable":		true,
		"Home":			"/var/lib/sifcore/gdp",
		"UserHome":		"/home/sif",
		"VGridHome":	"/var/lib/sifcore/vgrid",
		"VGridFilesHome":	"/var/lib/sifcore/vgrid_files",
		"VGridLabel":	"Project",
		"IDScramble":	"safe",
		"IOSessionTimeoutSeconds": {
			"davs": 600
		},
		"ProtocolAliases": {
			"https":	"email",
			"davs":		"email",
			"sftp":		"email"
		}
	},
	"Transfers": {
		"UserSettingsDir":	"/var/lib/sifcore/user_settings",
		"KeyRestrictHosts":	["transfer.example.org"],
		"KeyBits":			2048
	},
	"SitePasswordSalt":	"...",
	"SiteDigestSalt":	"..."
}

*/

var configLdapNameToMode = map[string]LdapConnectionMode{
	"":    LdapConnectionModePlainText,
	"SSL": LdapConnectionModeSSL,
	"TLS": LdapConnectionModeTLS,
}

type ConfigLog struct {
	Filename string
}

type ConfigHTTP struct {
	Bind        string
	Port        int
	ServerBase  string // URL path prefix of the daemon, eg "openid"
	TLSCertFile string
	TLSKeyFile  string
	Nonsecure   bool // serve plain HTTP; cookies lose the Secure attribute
	Enable      bool
}

type ConfigDBConnection struct {
	Host     string
	Database string
	User     string
	Password string
	SSL      bool
}

func (x *ConfigDBConnection) ConnectionString() string {
	sslmode := "disable"
	if x.SSL {
		sslmode = "require"
	}
	conx := fmt.Sprintf("host=%v dbname=%v user=%v sslmode=%v", x.Host, x.Database, x.User, sslmode)
	if x.Password != "" {
		conx += " password=" + x.Password
	}
	return conx
}

func (x *ConfigDBConnection) Connect() (*sql.DB, error) {
	return sql.Open("postgres", x.ConnectionString())
}

type ConfigUserStore struct {
	Type         string // "file" (default) or "sql"
	Path         string // backing file for the "file" type
	DBConnection ConfigDBConnection
}

type ConfigInstitutional struct {
	LdapHost   string
	LdapPort   int32
	Encryption string // "", "TLS", "SSL"
}

type ConfigOpenID struct {
	ProviderURL   string
	AuthTypes     []string // any of "password", "digest", "publickey"
	ExpandShortID bool     // rewrite id_select identities to the DN-derived form
	SRegFields    map[string]string
}

// AuthTypeEnabled reports whether the named credential type may be used on the
// OpenID endpoints. An empty list means the password default.
func (x *ConfigOpenID) AuthTypeEnabled(authType string) bool {
	if len(x.AuthTypes) == 0 {
		return authType == "password"
	}
	for _, t := range x.AuthTypes {
		if t == authType {
			return true
		}
	}
	return false
}

type ConfigSessions struct {
	TTLSeconds            int
	MaxTTLSeconds         int
	MinExpireDelaySeconds int
}

type ConfigRateLimit struct {
	MaxUserHits           int
	FailTTLSeconds        int
	MinExpireDelaySeconds int
}

type ConfigGDP struct {
	Enable                  bool
	Home                    string // gdp-users.db, gdp-users.log and project logs live here
	UserHome                string
	VGridHome               string
	VGridFilesHome          string
	VGridLabel              string
	IDScramble              string // "", "simple", "safe"
	IOSessionTimeoutSeconds map[string]int
	ProtocolAliases         map[string]string
}

type ConfigTransfers struct {
	UserSettingsDir  string
	KeyRestrictHosts []string
	KeyBits          int
}

type Config struct {
	Log              ConfigLog
	HTTP             ConfigHTTP
	UserStore        ConfigUserStore
	Institutional    ConfigInstitutional
	OpenID           ConfigOpenID
	Sessions         ConfigSessions
	RateLimit        ConfigRateLimit
	GDP              ConfigGDP
	Transfers        ConfigTransfers
	SitePasswordSalt string
	SiteDigestSalt   string
}

func (x *Config) Reset() {
	*x = Config{}
	x.HTTP.Bind = "0.0.0.0"
	x.HTTP.Port = 8443
	x.HTTP.ServerBase = "openid"
	x.UserStore.Type = "file"
	x.OpenID.AuthTypes = []string{"password"}
	x.OpenID.SRegFields = map[string]string{
		"nickname": "email",
		"email":    "email",
		"fullname": "full_name",
	}
	x.Sessions.TTLSeconds = 24 * 3600
	x.Sessions.MaxTTLSeconds = 48 * 3600
	x.Sessions.MinExpireDelaySeconds = 120
	x.RateLimit.MaxUserHits = 5
	x.RateLimit.FailTTLSeconds = 120
	x.RateLimit.MinExpireDelaySeconds = 300
	x.GDP.VGridLabel = "Project"
	x.GDP.IDScramble = "safe"
	x.GDP.IOSessionTimeoutSeconds = map[string]int{ProtoDavs: 600}
	x.GDP.ProtocolAliases = map[string]string{
		ProtoHTTPS: "email",
		ProtoDavs:  "email",
		ProtoSFTP:  "email",
	}
	x.Transfers.KeyBits = 2048
}

func (x *Config) LoadFile(filename string) error {
	x.Reset()
	var file *os.File
	var all []byte
	var err error
	if file, err = os.Open(filename); err != nil {
		return err
	}
	defer file.Close()
	if all, err = ioutil.ReadAll(file); err != nil {
		return err
	}
	if err = json.Unmarshal(all, x); err != nil {
		return err
	}
	return nil
}
