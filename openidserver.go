package sifcore

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Every recognized query variable maps to a validator. A request carrying a
// variable outside this whitelist is a fatal client error, as is a variable
// whose value fails its validator. This mirrors the strict input filtering of
// the grid daemons.

type queryValidator func(value string) error

var (
	reModeWord    = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]*$`)
	reBase64      = regexp.MustCompile(`^[A-Za-z0-9+/=]*$`)
	reFieldList   = regexp.MustCompile(`^[a-z0-9_\.]*(,[a-z0-9_\.]*)*$`)
	reDigits      = regexp.MustCompile(`^[0-9]*$`)
	reUserHandle  = regexp.MustCompile(`^[a-zA-Z0-9_@\.\+\-]+$`)
	rePathUnsafe  = regexp.MustCompile(`\.\.|[\x00-\x1f]|//`)
	rePrintable   = regexp.MustCompile(`^[^\x00-\x1f\x7f]*$`)
	reNonceChars  = regexp.MustCompile(`^[ -~]*$`)
	reHandleChars = regexp.MustCompile(`^[\x21-\x7e]*$`)
)

func validateModeWord(value string) error {
	if len(value) > 64 || !reModeWord.MatchString(value) {
		return NewError(ErrInvalidRequest, "bad protocol word")
	}
	return nil
}

func validateURL(value string) error {
	if value == "" {
		return nil
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewError(ErrInvalidRequest, "bad URL")
	}
	return nil
}

// validateComplexURL admits return_to style URLs, which legitimately carry
// nested query arguments.
func validateComplexURL(value string) error {
	if len(value) > 2048 {
		return NewError(ErrInvalidRequest, "URL too long")
	}
	return validateURL(value)
}

func validatePasswordLike(value string) error {
	if len(value) > 256 || !rePrintable.MatchString(value) {
		return NewError(ErrInvalidRequest, "bad password value")
	}
	return nil
}

func validateBase64(value string) error {
	if len(value) > 4096 || !reBase64.MatchString(value) {
		return NewError(ErrInvalidRequest, "bad base64 value")
	}
	return nil
}

func validateFieldList(value string) error {
	if len(value) > 512 || !reFieldList.MatchString(value) {
		return NewError(ErrInvalidRequest, "bad field list")
	}
	return nil
}

func validateDigits(value string) error {
	if len(value) > 20 || !reDigits.MatchString(value) {
		return NewError(ErrInvalidRequest, "bad numeric value")
	}
	return nil
}

func validateHandle(value string) error {
	if len(value) > 255 || !reHandleChars.MatchString(value) {
		return NewError(ErrInvalidRequest, "bad handle")
	}
	return nil
}

func validateNonce(value string) error {
	if len(value) > 255 || !reNonceChars.MatchString(value) {
		return NewError(ErrInvalidRequest, "bad nonce")
	}
	return nil
}

func validateYesNo(value string) error {
	switch value {
	case "", "yes", "no", "true", "false":
		return nil
	}
	return NewError(ErrInvalidRequest, "bad boolean value")
}

func validateIdentifier(value string) error {
	if value == "" {
		return nil
	}
	if reUserHandle.MatchString(value) {
		return nil
	}
	return validateComplexURL(value)
}

var openidQueryValidators = map[string]queryValidator{
	"openid.ns":                 validateComplexURL,
	"openid.mode":               validateModeWord,
	"openid.identity":           validateComplexURL,
	"openid.claimed_id":         validateComplexURL,
	"openid.assoc_handle":       validateHandle,
	"openid.return_to":          validateComplexURL,
	"openid.realm":              validateComplexURL,
	"openid.trust_root":         validateComplexURL,
	"openid.assoc_type":         validateModeWord,
	"openid.session_type":       validateModeWord,
	"openid.dh_modulus":         validateBase64,
	"openid.dh_gen":             validateBase64,
	"openid.dh_consumer_public": validateBase64,
	"openid.response_nonce":     validateNonce,
	"openid.op_endpoint":        validateComplexURL,
	"openid.signed":             validateFieldList,
	"openid.sig":                validateBase64,
	"openid.invalidate_handle":  validateHandle,
	"openid.error":              validatePasswordLike,
	"openid.ns.sreg":            validateComplexURL,
	"openid.sreg.required":      validateFieldList,
	"openid.sreg.optional":      validateFieldList,
	"openid.sreg.policy_url":    validateComplexURL,

	// Form variables of the login and approval pages
	"user":       validateIdentifier,
	"password":   validatePasswordLike,
	"identifier": validateIdentifier,
	"success_to": validateComplexURL,
	"fail_to":    validateComplexURL,
	"return_to":  validateComplexURL,
	"yes":        validatePasswordLike,
	"no":         validatePasswordLike,
	"remember":   validateYesNo,
	"err":        validateModeWord,
}

// ValidateRequestArgs applies the whitelist to every decoded query variable.
func ValidateRequestArgs(values url.Values) error {
	for key, vals := range values {
		validator, known := openidQueryValidators[key]
		if !known {
			return NewError(ErrInvalidRequest, "unsupported query variable")
		}
		for _, v := range vals {
			if err := validator(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidatePathUser checks the <user> component of /id/ and /yadis/ paths.
func ValidatePathUser(handle string) error {
	if handle == "" || len(handle) > 255 {
		return NewError(ErrInvalidRequest, "bad user path")
	}
	if rePathUnsafe.MatchString(handle) || !reUserHandle.MatchString(handle) {
		return NewError(ErrInvalidRequest, "bad user path")
	}
	return nil
}

//////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// IdentityURLFor is the OpenID identity URL asserted for a user.
func (x *Central) IdentityURLFor(user *UserRecord) string {
	base := strings.TrimSuffix(x.Config.OpenID.ProviderURL, "/")
	handle := user.ShortID
	if x.Config.OpenID.ExpandShortID && user.Aliases != nil && user.Aliases[ProtoOpenID] != "" {
		handle = user.Aliases[ProtoOpenID]
	}
	return base + "/id/" + url.PathEscape(handle)
}

// UserFromIdentityURL resolves an identity URL back to a user record. The last
// path component is matched against short IDs and openid aliases.
func (x *Central) UserFromIdentityURL(identity string) (*UserRecord, error) {
	u, err := url.Parse(identity)
	if err != nil {
		return nil, NewError(ErrInvalidRequest, "bad identity URL")
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 {
		return nil, NewError(ErrInvalidRequest, "bad identity URL")
	}
	handle, err := url.PathUnescape(parts[len(parts)-1])
	if err != nil {
		return nil, NewError(ErrInvalidRequest, "bad identity URL")
	}
	return x.UserFromHandle(handle)
}

// UserFromHandle resolves a login handle (short ID, DN, or openid alias).
func (x *Central) UserFromHandle(handle string) (*UserRecord, error) {
	candidates, err := x.userStore.Lookup(ProtoOpenID, handle)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrIdentityAuthNotFound
	}
	return candidates[0], nil
}

// AssembleSReg builds the SReg response fields for a user. A field whose
// configured attribute is shared with other fields is broadcast under every
// alias, and empty attributes are sent as the literal "NA" because some
// consumers reject empty values.
func (x *Central) AssembleSReg(user *UserRecord, asked []string) map[string]string {
	fieldAttr := x.Config.OpenID.SRegFields
	out := map[string]string{}
	for _, field := range asked {
		attr, known := fieldAttr[field]
		if !known {
			continue
		}
		value := x.sregAttribute(user, attr)
		for alias, aliasAttr := range fieldAttr {
			if aliasAttr == attr {
				out[alias] = value
			}
		}
	}
	return out
}

func (x *Central) sregAttribute(user *UserRecord, attr string) string {
	value := user.Attribute(attr)
	if value == "" && attr == "email" {
		value = user.ShortID
	}
	if value == "" {
		value = "NA"
	}
	return value
}

// AuthorizeCheckID decides a decoded checkid request for the cookie user.
// Returns the redirect URL when the request can be answered immediately, or
// "" when the approval page must be shown.
func (x *Central) AuthorizeCheckID(req *CheckIDRequest, cookieUser string) (string, error) {
	provider := x.Provider()
	identity := req.Identity
	if req.IDSelect() {
		if cookieUser == "" {
			if req.Immediate() {
				return provider.NegativeAssertion(req)
			}
			x.sessions.StashPending(cookieUser, req)
			return "", nil
		}
		user, err := x.UserFromHandle(cookieUser)
		if err != nil {
			return "", err
		}
		identity = x.IdentityURLFor(user)
	}

	owner, err := x.UserFromIdentityURL(identity)
	if err != nil {
		if req.Immediate() {
			return provider.NegativeAssertion(req)
		}
		return "", err
	}

	cookieMatches := cookieUser != "" && x.handleBelongsTo(cookieUser, owner)
	if cookieMatches && x.sessions.IsApproved(identity, req.TrustRoot) {
		x.Stats.IncrementAssertions(x.Log)
		return provider.PositiveAssertion(req, identity, x.AssembleSReg(owner, req.SRegAsked))
	}
	if req.Immediate() {
		return provider.NegativeAssertion(req)
	}
	x.sessions.StashPending(cookieUser, req)
	return "", nil
}

func (x *Central) handleBelongsTo(handle string, owner *UserRecord) bool {
	clean := CanonicalizeIdentity(handle)
	if clean == CanonicalizeIdentity(owner.ShortID) || clean == CanonicalizeIdentity(owner.ClientID) {
		return true
	}
	for _, alias := range owner.Aliases {
		if clean == CanonicalizeIdentity(alias) {
			return true
		}
	}
	return false
}

//////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Yadis XRDS document advertising the OP endpoint itself.
func (x *Central) ServerYadis() string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<xrds:XRDS xmlns:xrds="xri://$xrds" xmlns="xri://$xrd*($v*2.0)">
  <XRD>
    <Service priority="0">
      <Type>http://specs.openid.net/auth/2.0/server</Type>
      <URI>%s</URI>
    </Service>
  </XRD>
</xrds:XRDS>
`, x.Provider().Endpoint)
}

// Yadis XRDS document for one user's claimed identifier.
func (x *Central) UserYadis(handle string) string {
	base := strings.TrimSuffix(x.Config.OpenID.ProviderURL, "/")
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<xrds:XRDS xmlns:xrds="xri://$xrds" xmlns="xri://$xrd*($v*2.0)">
  <XRD>
    <Service priority="0">
      <Type>http://specs.openid.net/auth/2.0/signon</Type>
      <Type>http://openid.net/extensions/sreg/1.1</Type>
      <URI>%s</URI>
      <LocalID>%s/id/%s</LocalID>
    </Service>
  </XRD>
</xrds:XRDS>
`, x.Provider().Endpoint, base, url.PathEscape(handle))
}
