package sifcore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"hash"
	"math/big"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/abtime"
)

// Wire constants of OpenID 2.0 and the SReg 1.1 extension.
const (
	openidNS         = "http://specs.openid.net/auth/2.0"
	sregNS           = "http://openid.net/extensions/sreg/1.1"
	identifierSelect = "http://specs.openid.net/auth/2.0/identifier_select"

	assocHMACSHA1   = "HMAC-SHA1"
	assocHMACSHA256 = "HMAC-SHA256"

	sessionNoEncryption = "no-encryption"
	sessionDHSHA1       = "DH-SHA1"
	sessionDHSHA256     = "DH-SHA256"

	associationTTL = 6 * time.Hour
)

// Default Diffie-Hellman modulus from the OpenID 2.0 specification, base 2.
const defaultDHModulusHex = "DCF93A0B883972EC0E19989AC5A2CE310E1D37717E8D9571BB7623731866E61E" +
	"F75A2E27898B057F9891C2E27A639C3F29B60814581CD3B2CA3986D2683705577D45C2E7E52DC81C7A171876E5CEA74B" +
	"1448BFDFAF18828EFD2519F14E45E3826634AF1949E5B535CC829A483B8A76223E5D490A257F05BDFF16F2FB22C583AB"

var defaultDHModulus, _ = new(big.Int).SetString(defaultDHModulusHex, 16)
var defaultDHGen = big.NewInt(2)

// Message is the set of openid.* arguments of a request or response, keyed
// without the "openid." prefix.
type Message map[string]string

// ParseMessage extracts the openid.* arguments from decoded query values.
func ParseMessage(values url.Values) Message {
	msg := Message{}
	for key := range values {
		if strings.HasPrefix(key, "openid.") {
			msg[strings.TrimPrefix(key, "openid.")] = values.Get(key)
		}
	}
	return msg
}

// EncodeKV renders a message in OpenID key-value form for direct responses.
// Keys are sorted so responses are reproducible.
func (m Message) EncodeKV() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b := strings.Builder{}
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(m[k])
		b.WriteString("\n")
	}
	return b.String()
}

// signedKV renders the fields named in signedList, in order, for signing.
func (m Message) signedKV(signedList []string) string {
	b := strings.Builder{}
	for _, field := range signedList {
		b.WriteString(field)
		b.WriteString(":")
		b.WriteString(m[field])
		b.WriteString("\n")
	}
	return b.String()
}

// RedirectURL builds the indirect response URL: returnTo with the message
// appended as openid.* query parameters.
func (m Message) RedirectURL(returnTo string) (string, error) {
	u, err := url.Parse(returnTo)
	if err != nil {
		return "", NewError(ErrInvalidRequest, "bad return_to URL")
	}
	q := u.Query()
	for k, v := range m {
		q.Set("openid."+k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

//////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type Association struct {
	Handle  string
	Type    string // assocHMACSHA1 or assocHMACSHA256
	Secret  []byte
	Expires time.Time
}

func (a *Association) macNew() hash.Hash {
	if a.Type == assocHMACSHA256 {
		return hmac.New(sha256.New, a.Secret)
	}
	return hmac.New(sha1.New, a.Secret)
}

// Sign computes the base64 signature over the named fields of msg.
func (a *Association) Sign(msg Message, signedList []string) string {
	mac := a.macNew()
	mac.Write([]byte(msg.signedKV(signedList)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// associationStore holds live associations in memory. Two stores exist: one
// for handles negotiated with consumers, and a private one for stateless
// requests whose responses are verified through check_authentication.
type associationStore struct {
	clock    abtime.AbstractTime
	lock     sync.Mutex
	byHandle map[string]*Association
}

func newAssociationStore(clock abtime.AbstractTime) *associationStore {
	return &associationStore{clock: clock, byHandle: map[string]*Association{}}
}

func (x *associationStore) Create(assocType string) (*Association, error) {
	secretLen := sha1.Size
	if assocType == assocHMACSHA256 {
		secretLen = sha256.Size
	}
	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	a := &Association{
		Handle:  uuid.New().String(),
		Type:    assocType,
		Secret:  secret,
		Expires: x.clock.Now().Add(associationTTL),
	}
	x.lock.Lock()
	x.byHandle[a.Handle] = a
	x.lock.Unlock()
	return a, nil
}

func (x *associationStore) Get(handle string) *Association {
	x.lock.Lock()
	defer x.lock.Unlock()
	a := x.byHandle[handle]
	if a == nil {
		return nil
	}
	if x.clock.Now().After(a.Expires) {
		delete(x.byHandle, handle)
		return nil
	}
	return a
}

func (x *associationStore) Invalidate(handle string) {
	x.lock.Lock()
	delete(x.byHandle, handle)
	x.lock.Unlock()
}

//////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// CheckIDRequest is a decoded checkid_setup or checkid_immediate request.
type CheckIDRequest struct {
	Mode        string
	Identity    string
	ClaimedID   string
	AssocHandle string
	ReturnTo    string
	TrustRoot   string
	SRegAsked   []string // union of sreg.required and sreg.optional
}

// IDSelect is true when the consumer left identity selection to us.
func (r *CheckIDRequest) IDSelect() bool {
	return r.Identity == identifierSelect
}

func (r *CheckIDRequest) Immediate() bool {
	return r.Mode == "checkid_immediate"
}

// OpenIDProvider implements the provider half of the OpenID 2.0 protocol:
// association negotiation, checkid decoding, signed assertions, and
// check_authentication for stateless consumers.
type OpenIDProvider struct {
	Endpoint string // absolute URL of the /openidserver endpoint

	clock     abtime.AbstractTime
	assocs    *associationStore
	stateless *associationStore
}

func NewOpenIDProvider(endpoint string, clock abtime.AbstractTime) *OpenIDProvider {
	return &OpenIDProvider{
		Endpoint:  endpoint,
		clock:     clock,
		assocs:    newAssociationStore(clock),
		stateless: newAssociationStore(clock),
	}
}

// btwoc is the big-endian two's complement encoding of a positive integer.
func btwoc(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 || b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return b
}

func unbtwoc(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// Associate handles an openid.mode=associate request and returns the direct
// response message.
func (x *OpenIDProvider) Associate(req Message) (Message, error) {
	assocType := req["assoc_type"]
	if assocType != assocHMACSHA1 && assocType != assocHMACSHA256 {
		return nil, NewError(ErrInvalidRequest, "unsupported assoc_type")
	}
	sessionType := req["session_type"]
	a, err := x.assocs.Create(assocType)
	if err != nil {
		return nil, err
	}
	resp := Message{
		"ns":           openidNS,
		"assoc_handle": a.Handle,
		"assoc_type":   a.Type,
		"session_type": sessionType,
		"expires_in":   "21600",
	}
	switch sessionType {
	case sessionNoEncryption:
		resp["mac_key"] = base64.StdEncoding.EncodeToString(a.Secret)
	case sessionDHSHA1, sessionDHSHA256:
		if err := x.dhServerSession(req, resp, a, sessionType); err != nil {
			x.assocs.Invalidate(a.Handle)
			return nil, err
		}
	default:
		x.assocs.Invalidate(a.Handle)
		return nil, NewError(ErrInvalidRequest, "unsupported session_type")
	}
	return resp, nil
}

func (x *OpenIDProvider) dhServerSession(req, resp Message, a *Association, sessionType string) error {
	modulus := defaultDHModulus
	gen := defaultDHGen
	if enc := req["dh_modulus"]; enc != "" {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return NewError(ErrInvalidRequest, "bad dh_modulus")
		}
		modulus = unbtwoc(raw)
	}
	if enc := req["dh_gen"]; enc != "" {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return NewError(ErrInvalidRequest, "bad dh_gen")
		}
		gen = unbtwoc(raw)
	}
	consumerRaw, err := base64.StdEncoding.DecodeString(req["dh_consumer_public"])
	if err != nil || len(consumerRaw) == 0 {
		return NewError(ErrInvalidRequest, "bad dh_consumer_public")
	}
	consumerPub := unbtwoc(consumerRaw)

	private, err := rand.Int(rand.Reader, modulus)
	if err != nil {
		return err
	}
	serverPub := new(big.Int).Exp(gen, private, modulus)
	shared := new(big.Int).Exp(consumerPub, private, modulus)

	var digest []byte
	if sessionType == sessionDHSHA256 {
		sum := sha256.Sum256(btwoc(shared))
		digest = sum[:]
	} else {
		sum := sha1.Sum(btwoc(shared))
		digest = sum[:]
	}
	if len(digest) != len(a.Secret) {
		return NewError(ErrInvalidRequest, "session_type does not match assoc_type")
	}
	encKey := make([]byte, len(a.Secret))
	for i := range encKey {
		encKey[i] = digest[i] ^ a.Secret[i]
	}
	resp["dh_server_public"] = base64.StdEncoding.EncodeToString(btwoc(serverPub))
	resp["enc_mac_key"] = base64.StdEncoding.EncodeToString(encKey)
	return nil
}

// DecodeCheckID validates and decodes a checkid_setup/checkid_immediate message.
func (x *OpenIDProvider) DecodeCheckID(msg Message) (*CheckIDRequest, error) {
	mode := msg["mode"]
	if mode != "checkid_setup" && mode != "checkid_immediate" {
		return nil, NewError(ErrInvalidRequest, "not a checkid request")
	}
	req := &CheckIDRequest{
		Mode:        mode,
		Identity:    msg["identity"],
		ClaimedID:   msg["claimed_id"],
		AssocHandle: msg["assoc_handle"],
		ReturnTo:    msg["return_to"],
		TrustRoot:   msg["realm"],
	}
	if req.TrustRoot == "" {
		req.TrustRoot = msg["trust_root"]
	}
	if req.TrustRoot == "" {
		req.TrustRoot = req.ReturnTo
	}
	if req.Identity == "" || req.ReturnTo == "" {
		return nil, NewError(ErrInvalidRequest, "checkid request missing identity or return_to")
	}
	if req.ClaimedID == "" {
		req.ClaimedID = req.Identity
	}
	if !trustRootMatches(req.TrustRoot, req.ReturnTo) {
		return nil, NewError(ErrInvalidRequest, "return_to outside trust root")
	}
	asked := map[string]bool{}
	for _, list := range []string{msg["sreg.required"], msg["sreg.optional"]} {
		for _, field := range strings.Split(list, ",") {
			field = strings.TrimSpace(field)
			if field != "" {
				asked[field] = true
			}
		}
	}
	for field := range asked {
		req.SRegAsked = append(req.SRegAsked, field)
	}
	sort.Strings(req.SRegAsked)
	return req, nil
}

// trustRootMatches checks that returnTo falls under the trust root. A leading
// "*." in the trust root host matches any subdomain.
func trustRootMatches(trustRoot, returnTo string) bool {
	root, err := url.Parse(trustRoot)
	if err != nil {
		return false
	}
	target, err := url.Parse(returnTo)
	if err != nil {
		return false
	}
	rootHost := root.Hostname()
	targetHost := target.Hostname()
	if strings.HasPrefix(rootHost, "*.") {
		suffix := strings.TrimPrefix(rootHost, "*")
		if !strings.HasSuffix(targetHost, suffix) && targetHost != strings.TrimPrefix(suffix, ".") {
			return false
		}
	} else if rootHost != targetHost {
		return false
	}
	if !strings.HasPrefix(target.EscapedPath(), root.EscapedPath()) {
		return false
	}
	return true
}

func (x *OpenIDProvider) responseNonce() string {
	return x.clock.Now().UTC().Format("2006-01-02T15:04:05Z") + RandomString(6, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")
}

// PositiveAssertion signs an id_res response for req asserting identity, with
// the given SReg fields, and returns the consumer redirect URL.
func (x *OpenIDProvider) PositiveAssertion(req *CheckIDRequest, identity string, sreg map[string]string) (string, error) {
	msg := Message{
		"ns":             openidNS,
		"mode":           "id_res",
		"op_endpoint":    x.Endpoint,
		"claimed_id":     identity,
		"identity":       identity,
		"return_to":      req.ReturnTo,
		"response_nonce": x.responseNonce(),
	}
	signedList := []string{"op_endpoint", "return_to", "response_nonce", "assoc_handle", "claimed_id", "identity"}
	if len(sreg) != 0 {
		msg["ns.sreg"] = sregNS
		signedList = append(signedList, "ns.sreg")
		fields := make([]string, 0, len(sreg))
		for field := range sreg {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			msg["sreg."+field] = sreg[field]
			signedList = append(signedList, "sreg."+field)
		}
	}

	a := x.assocs.Get(req.AssocHandle)
	if a == nil {
		// Stateless consumer, or a handle we no longer know. Sign with a private
		// association; the consumer verifies through check_authentication.
		var err error
		if a, err = x.stateless.Create(assocHMACSHA256); err != nil {
			return "", err
		}
		if req.AssocHandle != "" {
			msg["invalidate_handle"] = req.AssocHandle
		}
	}
	msg["assoc_handle"] = a.Handle
	msg["signed"] = strings.Join(signedList, ",")
	msg["sig"] = a.Sign(msg, signedList)
	return msg.RedirectURL(req.ReturnTo)
}

// NegativeAssertion answers a checkid request that cannot be satisfied:
// setup_needed for immediate mode, cancel otherwise.
func (x *OpenIDProvider) NegativeAssertion(req *CheckIDRequest) (string, error) {
	msg := Message{"ns": openidNS}
	if req.Immediate() {
		msg["mode"] = "setup_needed"
	} else {
		msg["mode"] = "cancel"
	}
	return msg.RedirectURL(req.ReturnTo)
}

// CheckAuthentication handles openid.mode=check_authentication: a stateless
// consumer asking us to confirm a signature we made with a private association.
func (x *OpenIDProvider) CheckAuthentication(msg Message) Message {
	resp := Message{"ns": openidNS, "is_valid": "false"}
	a := x.stateless.Get(msg["assoc_handle"])
	if a == nil {
		return resp
	}
	signedList := strings.Split(msg["signed"], ",")
	check := Message{}
	for k, v := range msg {
		check[k] = v
	}
	// The consumer echoes the assertion with mode replaced
	check["mode"] = "id_res"
	want := a.Sign(check, signedList)
	if subtle.ConstantTimeCompare([]byte(want), []byte(msg["sig"])) == 1 {
		resp["is_valid"] = "true"
		// A private association is single-use
		x.stateless.Invalidate(a.Handle)
	}
	if invalidate := msg["invalidate_handle"]; invalidate != "" {
		if x.assocs.Get(invalidate) == nil {
			resp["invalidate_handle"] = invalidate
		}
	}
	return resp
}

// DirectError is the kv-form error response for direct requests.
func DirectError(detail string) Message {
	return Message{"ns": openidNS, "mode": "error", "error": detail}
}
