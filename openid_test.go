package sifcore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Central, *httptest.Server) {
	central := newTestCentral(t)
	server := httptest.NewServer(NewHttpHandler(&central.Config.HTTP, central))
	t.Cleanup(server.Close)
	return central, server
}

// kvParse decodes an OpenID key-value response body.
func kvParse(body string) Message {
	msg := Message{}
	for _, line := range strings.Split(body, "\n") {
		if i := strings.Index(line, ":"); i != -1 {
			msg[line[:i]] = line[i+1:]
		}
	}
	return msg
}

func httpGetBody(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b := strings.Builder{}
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return resp, b.String()
}

func noRedirects() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestHttpPing(t *testing.T) {
	_, server := newTestServer(t)
	resp, body := httpGetBody(t, http.DefaultClient, server.URL+"/openid/ping")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<h1>True</h1>")
}

func TestHttpSecurityHeaders(t *testing.T) {
	_, server := newTestServer(t)
	resp, _ := httpGetBody(t, http.DefaultClient, server.URL+"/openid/")
	assert.Equal(t, "frame-ancestors 'self'", resp.Header.Get("Content-Security-Policy"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-cache")
}

func TestHttpUnknownQueryVariableRefused(t *testing.T) {
	_, server := newTestServer(t)
	resp, body := httpGetBody(t, http.DefaultClient, server.URL+"/openid/login?sneaky=1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	// The offending value must never be echoed back
	assert.NotContains(t, body, "sneaky")
}

func TestHttpBadValueRefused(t *testing.T) {
	_, server := newTestServer(t)
	resp, _ := httpGetBody(t, http.DefaultClient,
		server.URL+"/openid/openidserver?openid.mode="+url.QueryEscape("no spaces allowed"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidatePathUser(t *testing.T) {
	assert.NoError(t, ValidatePathUser("alice.lund"))
	assert.NoError(t, ValidatePathUser("alice@ucph.dk"))
	assert.Error(t, ValidatePathUser(""))
	assert.Error(t, ValidatePathUser("../etc/passwd"))
	assert.Error(t, ValidatePathUser("a/b"))
	assert.Error(t, ValidatePathUser("a\x00b"))
}

func TestAssociateNoEncryption(t *testing.T) {
	_, server := newTestServer(t)
	resp, err := http.PostForm(server.URL+"/openid/openidserver", url.Values{
		"openid.ns":           {"http://specs.openid.net/auth/2.0"},
		"openid.mode":         {"associate"},
		"openid.assoc_type":   {"HMAC-SHA256"},
		"openid.session_type": {"no-encryption"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := make([]byte, 8192)
	n, _ := resp.Body.Read(buf)
	msg := kvParse(string(buf[:n]))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HMAC-SHA256", msg["assoc_type"])
	assert.NotEmpty(t, msg["assoc_handle"])
	assert.Equal(t, "21600", msg["expires_in"])
	secret, err := base64.StdEncoding.DecodeString(msg["mac_key"])
	require.NoError(t, err)
	assert.Equal(t, sha256.Size, len(secret))
}

func TestAssociateRejectsUnknownTypes(t *testing.T) {
	central, _ := newTestServer(t)
	_, err := central.Provider().Associate(Message{"assoc_type": "HMAC-MD5", "session_type": "no-encryption"})
	assert.Error(t, err)
	_, err = central.Provider().Associate(Message{"assoc_type": "HMAC-SHA1", "session_type": "DH-SHA512"})
	assert.Error(t, err)
}

func TestSignatureRoundTrip(t *testing.T) {
	central := newTestCentral(t)
	provider := central.Provider()

	resp, err := provider.Associate(Message{"assoc_type": "HMAC-SHA256", "session_type": "no-encryption"})
	require.NoError(t, err)
	secret, err := base64.StdEncoding.DecodeString(resp["mac_key"])
	require.NoError(t, err)

	req := &CheckIDRequest{
		Mode:        "checkid_setup",
		Identity:    "https://id.example.org/openid/id/alice.lund",
		AssocHandle: resp["assoc_handle"],
		ReturnTo:    "https://sp.example.org/callback",
		TrustRoot:   "https://sp.example.org/",
	}
	redirect, err := provider.PositiveAssertion(req, req.Identity, nil)
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "id_res", q.Get("openid.mode"))
	assert.Equal(t, resp["assoc_handle"], q.Get("openid.assoc_handle"))

	// Recompute the signature the way a consumer would
	signed := strings.Split(q.Get("openid.signed"), ",")
	b := strings.Builder{}
	for _, field := range signed {
		b.WriteString(field)
		b.WriteString(":")
		b.WriteString(q.Get("openid." + field))
		b.WriteString("\n")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(b.String()))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), q.Get("openid.sig"))
}

func TestCheckAuthenticationStateless(t *testing.T) {
	central := newTestCentral(t)
	provider := central.Provider()

	// No assoc_handle negotiated: the provider signs with a private association
	req := &CheckIDRequest{
		Mode:      "checkid_setup",
		Identity:  "https://id.example.org/openid/id/alice.lund",
		ReturnTo:  "https://sp.example.org/callback",
		TrustRoot: "https://sp.example.org/",
	}
	redirect, err := provider.PositiveAssertion(req, req.Identity, nil)
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)

	check := Message{"mode": "check_authentication"}
	for k, v := range u.Query() {
		if strings.HasPrefix(k, "openid.") && k != "openid.mode" {
			check[strings.TrimPrefix(k, "openid.")] = v[0]
		}
	}
	resp := provider.CheckAuthentication(check)
	assert.Equal(t, "true", resp["is_valid"])

	// Private associations are single use
	resp = provider.CheckAuthentication(check)
	assert.Equal(t, "false", resp["is_valid"])
}

func TestTrustRootMatching(t *testing.T) {
	assert.True(t, trustRootMatches("https://sp.example.org/", "https://sp.example.org/cb"))
	assert.True(t, trustRootMatches("https://*.example.org/", "https://sp.example.org/cb"))
	assert.True(t, trustRootMatches("https://*.example.org/", "https://example.org/cb"))
	assert.False(t, trustRootMatches("https://sp.example.org/", "https://evil.example.com/cb"))
	assert.False(t, trustRootMatches("https://sp.example.org/app", "https://sp.example.org/other"))
}

func TestDecodeCheckIDSRegUnion(t *testing.T) {
	central := newTestCentral(t)
	req, err := central.Provider().DecodeCheckID(Message{
		"mode":          "checkid_setup",
		"identity":      "https://id.example.org/openid/id/alice.lund",
		"return_to":     "https://sp.example.org/cb",
		"realm":         "https://sp.example.org/",
		"sreg.required": "email,nickname",
		"sreg.optional": "fullname,email",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "fullname", "nickname"}, req.SRegAsked)
}

func TestAssembleSRegBroadcastAndNA(t *testing.T) {
	central := newTestCentral(t)
	alice, err := central.UserFromHandle(testAliceMail)
	require.NoError(t, err)

	// nickname and email share the email attribute: asking for one broadcasts both
	sreg := central.AssembleSReg(alice, []string{"email"})
	assert.Equal(t, testAliceMail, sreg["email"])
	assert.Equal(t, testAliceMail, sreg["nickname"])
	assert.Equal(t, "", sreg["fullname"])

	sreg = central.AssembleSReg(alice, []string{"fullname"})
	assert.Equal(t, "Alice Lund", sreg["fullname"])

	// Bob has no full_name attribute: consumers get the literal NA
	bob, err := central.UserFromHandle(testBobMail)
	require.NoError(t, err)
	sreg = central.AssembleSReg(bob, []string{"fullname"})
	assert.Equal(t, "NA", sreg["fullname"])

	// Unknown fields are ignored
	sreg = central.AssembleSReg(alice, []string{"gender"})
	assert.Equal(t, 0, len(sreg))
}

func TestLoginLogoutFlow(t *testing.T) {
	_, server := newTestServer(t)
	client := noRedirects()

	// Bad password: redirect carries err=loginfail, no cookies
	resp, err := client.PostForm(server.URL+"/openid/loginsubmit", url.Values{
		"user":     {testAliceMail},
		"password": {"wrong"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "err=loginfail")
	assert.Equal(t, 0, len(resp.Cookies()))

	// Good password: cookies set, redirect to success_to
	resp, err = client.PostForm(server.URL+"/openid/loginsubmit", url.Values{
		"user":       {testAliceMail},
		"password":   {testAlicePwd},
		"success_to": {server.URL + "/openid/"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, server.URL+"/openid/", resp.Header.Get("Location"))
	cookies := resp.Cookies()
	require.Equal(t, 2, len(cookies))
	assert.Equal(t, userCookieName, cookies[0].Name)
	assert.Equal(t, testAliceMail, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)

	// Logout clears both cookies
	req, _ := http.NewRequest("GET", server.URL+"/openid/logout", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	for _, c := range resp.Cookies() {
		assert.Equal(t, "", c.Value)
	}
}

func TestLoginSubmitRefusedWhenPasswordDisabled(t *testing.T) {
	central, server := newTestServer(t)
	central.Config.OpenID.AuthTypes = []string{"digest"}
	client := noRedirects()

	// Valid credentials still get refused when password auth is switched off
	resp, err := client.PostForm(server.URL+"/openid/loginsubmit", url.Values{
		"user":     {testAliceMail},
		"password": {testAlicePwd},
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, len(resp.Cookies()))
}

func TestCheckIDSetupFullApprovalFlow(t *testing.T) {
	central, server := newTestServer(t)
	client := noRedirects()

	returnTo := "https://sp.example.org/cb"
	checkidURL := server.URL + "/openid/openidserver?" + url.Values{
		"openid.ns":        {"http://specs.openid.net/auth/2.0"},
		"openid.mode":      {"checkid_setup"},
		"openid.identity":  {"https://id.example.org/openid/id/" + testAliceMail},
		"openid.return_to": {returnTo},
		"openid.realm":     {"https://sp.example.org/"},
	}.Encode()

	// Without a session cookie we are sent to the login page
	resp, _ := httpGetBody(t, client, checkidURL)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Location"), "/openid/login")

	// With a cookie but no approval the approval page is rendered
	req, _ := http.NewRequest("GET", checkidURL, nil)
	req.AddCookie(&http.Cookie{Name: userCookieName, Value: testAliceMail})
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, central.Sessions().PeekPending(testAliceMail))

	// Answering yes with the right password yields the signed assertion
	allowReq, _ := http.NewRequest("POST", server.URL+"/openid/allow",
		strings.NewReader(url.Values{
			"yes":      {"yes"},
			"password": {testAlicePwd},
		}.Encode()))
	allowReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	allowReq.AddCookie(&http.Cookie{Name: userCookieName, Value: testAliceMail})
	resp, err = client.Do(allowReq)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), returnTo))
	assert.Equal(t, "id_res", loc.Query().Get("openid.mode"))
	assert.NotEmpty(t, loc.Query().Get("openid.sig"))
}

func TestCheckIDImmediateWithoutApproval(t *testing.T) {
	_, server := newTestServer(t)
	client := noRedirects()

	resp, _ := httpGetBody(t, client, server.URL+"/openid/openidserver?"+url.Values{
		"openid.ns":        {"http://specs.openid.net/auth/2.0"},
		"openid.mode":      {"checkid_immediate"},
		"openid.identity":  {"https://id.example.org/openid/id/" + testAliceMail},
		"openid.return_to": {"https://sp.example.org/cb"},
		"openid.realm":     {"https://sp.example.org/"},
	}.Encode())
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "setup_needed", loc.Query().Get("openid.mode"))
}

func TestYadisDocuments(t *testing.T) {
	central, server := newTestServer(t)

	resp, body := httpGetBody(t, http.DefaultClient, server.URL+"/openid/serveryadis")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/xrds+xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, body, "http://specs.openid.net/auth/2.0/server")
	assert.Contains(t, body, central.Provider().Endpoint)

	resp, body = httpGetBody(t, http.DefaultClient, server.URL+"/openid/yadis/alice.lund")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "http://specs.openid.net/auth/2.0/signon")
	assert.Contains(t, body, "/id/alice.lund")

	resp, _ = httpGetBody(t, http.DefaultClient, server.URL+"/openid/yadis/bad..name")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIdentityPage(t *testing.T) {
	_, server := newTestServer(t)
	resp, body := httpGetBody(t, http.DefaultClient, server.URL+"/openid/id/alice.lund")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("X-XRDS-Location"), "/yadis/alice.lund")
	assert.Contains(t, body, "openid2.provider")
}
