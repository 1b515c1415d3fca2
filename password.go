package sifcore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/scrypt"
)

/*
Password blob encodings:

Version 1:
65 bytes (1 + 32 + 32).
bytes[0]     = 1
bytes[1:33]  = Salt (32 random bytes)
bytes[33:65] = scrypt-ed hash with parameters N=256 r=8 p=1

Why use such a low parameter (N=256) for scrypt?
This is a balance between server cost and password crackability.
If you decide that you need to raise the N factor, then introduce a new
version of the blob (the only version right now is version 1).

Digest blobs carry the prefix "DIGEST$v1$" followed by the hex HMAC-SHA256 of
"realm:username:password" keyed with the site digest salt. They exist so that
the WebDAV and transfer daemons can verify credentials without ever holding
the clear password.
*/

const (
	hashLengthV1 = 65
	scryptN_V1   = 256

	digestPrefix = "DIGEST$v1$"
)

// ComputePasswordHash scrambles a clear password into the version 1 blob.
func ComputePasswordHash(password string) (string, error) {
	cblock := [hashLengthV1]byte{}
	cblock[0] = 1
	if ncrypto, err := rand.Read(cblock[1:33]); ncrypto != 32 || err != nil {
		return "", err
	}
	scrypted, err := scrypt.Key([]byte(password), cblock[1:33], scryptN_V1, 8, 1, 32)
	if err != nil {
		return "", err
	}
	copy(cblock[33:], scrypted)
	return base64.StdEncoding.EncodeToString(cblock[:]), nil
}

// VerifyPasswordHash returns true if password matches the stored blob.
func VerifyPasswordHash(password, hash string) bool {
	block, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return false
	}
	if len(block) == hashLengthV1 {
		if block[0] != 1 {
			return false
		}
		scrypted, err := scrypt.Key([]byte(password), block[1:33], scryptN_V1, 8, 1, 32)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare(block[33:], scrypted) == 1
	} else {
		return false
	}
}

// MakeDigest builds the digest blob for realm/username/password. The transfer
// registry stores these under the "datatransfer" realm so that clear passwords
// never reach disk.
func MakeDigest(realm, username, password, salt string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(realm + ":" + username + ":" + password))
	return digestPrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyDigest checks a clear password against a stored digest blob.
func VerifyDigest(realm, username, password, digest, salt string) bool {
	if !strings.HasPrefix(digest, digestPrefix) {
		return false
	}
	want := MakeDigest(realm, username, password, salt)
	return subtle.ConstantTimeCompare([]byte(want), []byte(digest)) == 1
}

// IsDigest reports whether a stored credential blob is in digest form.
func IsDigest(blob string) bool {
	return strings.HasPrefix(blob, digestPrefix)
}

// HashSecret returns the sha256 hex of a secret. The rate limiter keys its
// duplicate-failure detection on this, and the GDP logs use the same form to
// scramble identities.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
