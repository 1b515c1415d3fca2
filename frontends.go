package sifcore

import (
	"fmt"
	"html"
	"net/http"
	"strings"
)

// prepareHeaders adds the headers that every response of the identity daemon
// carries: no caching, and a CSP restricting who may frame us.
func prepareHeaders(w http.ResponseWriter) {
	w.Header().Add("Cache-Control", "no-cache, no-store, must revalidate")
	w.Header().Add("Pragma", "no-cache")
	w.Header().Add("Expires", "0")
	w.Header().Add("Content-Security-Policy", "frame-ancestors 'self'")
}

func HttpSendTxt(w http.ResponseWriter, responseCode int, responseBody string) {
	prepareHeaders(w)
	w.Header().Add("Content-Type", "text/plain")
	w.WriteHeader(responseCode)
	fmt.Fprintf(w, "%v", responseBody)
}

func HttpSendHTML(w http.ResponseWriter, responseCode int, responseBody string) {
	prepareHeaders(w)
	w.Header().Add("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(responseCode)
	fmt.Fprintf(w, "%v", responseBody)
}

func HttpSendXRDS(w http.ResponseWriter, body string) {
	prepareHeaders(w)
	w.Header().Add("Content-Type", "application/xrds+xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%v", body)
}

// HttpSendError emits a minimal error page. The offending value is never
// echoed back verbatim.
func HttpSendError(w http.ResponseWriter, responseCode int, message string) {
	HttpSendHTML(w, responseCode, "<html><body><h1>Error</h1><p>"+html.EscapeString(message)+"</p></body></html>")
}

// cookieUser reads the login handle from the session cookie, or "".
func cookieUser(r *http.Request) string {
	c, _ := r.Cookie(userCookieName)
	if c == nil {
		return ""
	}
	return c.Value
}

func cookieExpire(r *http.Request) string {
	c, _ := r.Cookie(expireCookieName)
	if c == nil {
		return ""
	}
	return c.Value
}

func basePath(config *ConfigHTTP) string {
	base := strings.Trim(config.ServerBase, "/")
	if base == "" {
		return "/"
	}
	return "/" + base + "/"
}

func cookiesSecure(config *ConfigHTTP) bool {
	return !config.Nonsecure
}

// validatedQuery parses and whitelists the request arguments, answering the
// client with a 400 page on any violation.
func validatedQuery(central *Central, w http.ResponseWriter, r *http.Request) (ok bool) {
	if err := r.ParseForm(); err != nil {
		central.Stats.IncrementInvalidRequests(central.Log)
		HttpSendError(w, http.StatusBadRequest, "malformed request")
		return false
	}
	if err := ValidateRequestArgs(r.Form); err != nil {
		central.Stats.IncrementInvalidRequests(central.Log)
		central.Log.Warnf("Request validation refused %v %v from %v: %v", r.Method, r.URL.Path, ClientIP(r), err)
		HttpSendError(w, http.StatusBadRequest, "invalid request arguments")
		return false
	}
	central.MaybeExpire()
	return true
}

// HttpHandlerRoot is the landing page, showing the current login state.
func HttpHandlerRoot(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	if !validatedQuery(central, w, r) {
		return
	}
	user := cookieUser(r)
	base := basePath(config)
	b := strings.Builder{}
	b.WriteString("<html><head><title>OpenID Provider</title></head><body>")
	b.WriteString("<h1>OpenID Provider</h1>")
	if user == "" {
		b.WriteString("<p>You are not logged in.</p>")
		b.WriteString("<p><a href=\"" + base + "login\">Log in</a></p>")
	} else {
		b.WriteString("<p>You are logged in as " + html.EscapeString(user) + ".</p>")
		b.WriteString("<p><a href=\"" + base + "logout\">Log out</a></p>")
	}
	b.WriteString("</body></html>")
	HttpSendHTML(w, http.StatusOK, b.String())
}

// HttpHandlerPing is the liveness probe of the daemon.
func HttpHandlerPing(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	HttpSendHTML(w, http.StatusOK, "<html><body><h1>True</h1></body></html>")
}

// HttpHandlerOpenIDServer is the OpenID 2.0 protocol endpoint.
func HttpHandlerOpenIDServer(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	if !validatedQuery(central, w, r) {
		return
	}
	msg := ParseMessage(r.Form)
	provider := central.Provider()
	switch msg["mode"] {
	case "":
		HttpSendHTML(w, http.StatusOK, "<html><body><h1>OpenID endpoint</h1></body></html>")
	case "associate":
		resp, err := provider.Associate(msg)
		if err != nil {
			HttpSendTxt(w, http.StatusBadRequest, DirectError(err.Error()).EncodeKV())
			return
		}
		HttpSendTxt(w, http.StatusOK, resp.EncodeKV())
	case "check_authentication":
		HttpSendTxt(w, http.StatusOK, provider.CheckAuthentication(msg).EncodeKV())
	case "checkid_setup", "checkid_immediate":
		req, err := provider.DecodeCheckID(msg)
		if err != nil {
			central.Stats.IncrementInvalidRequests(central.Log)
			HttpSendError(w, http.StatusBadRequest, "protocol error")
			return
		}
		redirect, err := central.AuthorizeCheckID(req, cookieUser(r))
		if err != nil {
			central.Log.Errorf("checkid authorization failed: %v", err)
			HttpSendError(w, http.StatusBadRequest, "protocol error")
			return
		}
		if redirect != "" {
			http.Redirect(w, r, redirect, http.StatusFound)
			return
		}
		if cookieUser(r) == "" {
			http.Redirect(w, r, basePath(config)+"login", http.StatusFound)
			return
		}
		sendApprovalPage(config, w, req, cookieUser(r))
	default:
		HttpSendTxt(w, http.StatusBadRequest, DirectError("unsupported mode").EncodeKV())
	}
}

func sendApprovalPage(config *ConfigHTTP, w http.ResponseWriter, req *CheckIDRequest, user string) {
	base := basePath(config)
	b := strings.Builder{}
	b.WriteString("<html><head><title>Approve identity request</title></head><body>")
	b.WriteString("<h1>Approve identity request</h1>")
	b.WriteString("<p>The site <b>" + html.EscapeString(req.TrustRoot) + "</b> requests confirmation of your identity.</p>")
	b.WriteString("<form method=\"post\" action=\"" + base + "allow\">")
	b.WriteString("<input type=\"hidden\" name=\"identifier\" value=\"" + html.EscapeString(req.Identity) + "\"/>")
	b.WriteString("Password: <input type=\"password\" name=\"password\"/><br/>")
	b.WriteString("<label><input type=\"checkbox\" name=\"remember\" value=\"yes\"/>Remember this decision</label><br/>")
	b.WriteString("<button type=\"submit\" name=\"yes\" value=\"yes\">Yes, continue</button>")
	b.WriteString("<button type=\"submit\" name=\"no\" value=\"no\">No, cancel</button>")
	b.WriteString("</form></body></html>")
	HttpSendHTML(w, http.StatusOK, b.String())
}

// HttpHandlerLogin renders the username/password form.
func HttpHandlerLogin(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	if !validatedQuery(central, w, r) {
		return
	}
	base := basePath(config)
	successTo := r.Form.Get("success_to")
	b := strings.Builder{}
	b.WriteString("<html><head><title>Log in</title></head><body><h1>Log in</h1>")
	if r.Form.Get("err") == "loginfail" {
		b.WriteString("<p><b>Incorrect username or password.</b></p>")
	}
	b.WriteString("<form method=\"post\" action=\"" + base + "loginsubmit\">")
	if successTo != "" {
		b.WriteString("<input type=\"hidden\" name=\"success_to\" value=\"" + html.EscapeString(successTo) + "\"/>")
	}
	b.WriteString("Username: <input type=\"text\" name=\"user\"/><br/>")
	b.WriteString("Password: <input type=\"password\" name=\"password\"/><br/>")
	b.WriteString("<input type=\"submit\" value=\"Log in\"/>")
	b.WriteString("</form></body></html>")
	HttpSendHTML(w, http.StatusOK, b.String())
}

// HttpHandlerLoginSubmit performs the credential check of the login form.
func HttpHandlerLoginSubmit(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	if !validatedQuery(central, w, r) {
		return
	}
	if !central.Config.OpenID.AuthTypeEnabled("password") {
		central.Stats.IncrementInvalidRequests(central.Log)
		HttpSendError(w, http.StatusForbidden, "password login is disabled")
		return
	}
	identity := r.Form.Get("user")
	password := r.Form.Get("password")
	clientIP := ClientIP(r)

	user, err := central.Authenticate(ProtoOpenID, identity, password, clientIP)
	if err != nil {
		failTo := r.Form.Get("fail_to")
		if failTo == "" {
			failTo = r.Referer()
		}
		if failTo == "" {
			failTo = basePath(config) + "login"
		}
		if strings.Contains(failTo, "?") {
			failTo += "&err=loginfail"
		} else {
			failTo += "?err=loginfail"
		}
		http.Redirect(w, r, failTo, http.StatusFound)
		return
	}

	expire := central.Sessions().EffectiveExpire(cookieExpire(r))
	SetSessionCookies(w, user.ShortID, expire, cookiesSecure(config))
	successTo := r.Form.Get("success_to")
	if successTo == "" {
		successTo = basePath(config)
	}
	http.Redirect(w, r, successTo, http.StatusFound)
}

// HttpHandlerLogout clears the session cookies and redirects.
func HttpHandlerLogout(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	if !validatedQuery(central, w, r) {
		return
	}
	if cookieUser(r) != "" {
		central.Stats.IncrementLogout(central.Log)
	}
	ClearSessionCookies(w, cookiesSecure(config))
	returnTo := r.Form.Get("return_to")
	if returnTo == "" {
		returnTo = basePath(config)
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// HttpHandlerAllow receives the user's decision on a pending checkid request.
func HttpHandlerAllow(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	if !validatedQuery(central, w, r) {
		return
	}
	user := cookieUser(r)
	req := central.Sessions().TakePending(user)
	if req == nil {
		HttpSendError(w, http.StatusBadRequest, "no pending identity request")
		return
	}
	provider := central.Provider()

	if r.Form.Get("yes") == "" {
		redirect, err := provider.NegativeAssertion(req)
		if err != nil {
			HttpSendError(w, http.StatusBadRequest, "protocol error")
			return
		}
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}

	if !central.Config.OpenID.AuthTypeEnabled("password") {
		central.Stats.IncrementInvalidRequests(central.Log)
		HttpSendError(w, http.StatusForbidden, "password login is disabled")
		return
	}
	identity := r.Form.Get("identifier")
	if identity == "" {
		identity = req.Identity
	}
	password := r.Form.Get("password")
	clientIP := ClientIP(r)

	record, err := central.Authenticate(ProtoOpenID, user, password, clientIP)
	if err != nil {
		failTo := r.Referer()
		if failTo == "" {
			failTo = basePath(config) + "login"
		}
		if strings.Contains(failTo, "?") {
			failTo += "&err=loginfail"
		} else {
			failTo += "?err=loginfail"
		}
		// Put the request back so the user can try again
		central.Sessions().StashPending(user, req)
		http.Redirect(w, r, failTo, http.StatusFound)
		return
	}

	if req.IDSelect() {
		identity = central.IdentityURLFor(record)
	}
	mode := ApproveOnce
	if r.Form.Get("remember") == "yes" {
		mode = ApproveAlways
	}
	central.Sessions().Approve(identity, req.TrustRoot, mode)

	expire := central.Sessions().EffectiveExpire(cookieExpire(r))
	SetSessionCookies(w, record.ShortID, expire, cookiesSecure(config))

	redirect, err := provider.PositiveAssertion(req, identity, central.AssembleSReg(record, req.SRegAsked))
	if err != nil {
		HttpSendError(w, http.StatusBadRequest, "protocol error")
		return
	}
	central.Stats.IncrementAssertions(central.Log)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// HttpHandlerID serves the per-user identity page.
func HttpHandlerID(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	handle := strings.TrimPrefix(r.URL.Path, basePath(config)+"id/")
	if err := ValidatePathUser(handle); err != nil {
		central.Stats.IncrementInvalidRequests(central.Log)
		HttpSendError(w, http.StatusBadRequest, "invalid identity path")
		return
	}
	base := strings.TrimSuffix(central.Config.OpenID.ProviderURL, "/")
	endpoint := central.Provider().Endpoint
	yadis := base + "/yadis/" + handle
	w.Header().Add("X-XRDS-Location", yadis)
	b := strings.Builder{}
	b.WriteString("<html><head>")
	b.WriteString("<link rel=\"openid.server\" href=\"" + html.EscapeString(endpoint) + "\"/>")
	b.WriteString("<link rel=\"openid2.provider\" href=\"" + html.EscapeString(endpoint) + "\"/>")
	b.WriteString("<meta http-equiv=\"X-XRDS-Location\" content=\"" + html.EscapeString(yadis) + "\"/>")
	b.WriteString("<title>Identity page</title></head><body>")
	b.WriteString("<h1>OpenID identity page for " + html.EscapeString(handle) + "</h1>")
	b.WriteString("</body></html>")
	HttpSendHTML(w, http.StatusOK, b.String())
}

// HttpHandlerUserYadis serves the per-user XRDS document.
func HttpHandlerUserYadis(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	handle := strings.TrimPrefix(r.URL.Path, basePath(config)+"yadis/")
	if err := ValidatePathUser(handle); err != nil {
		central.Stats.IncrementInvalidRequests(central.Log)
		HttpSendError(w, http.StatusBadRequest, "invalid yadis path")
		return
	}
	HttpSendXRDS(w, central.UserYadis(handle))
}

// HttpHandlerServerYadis serves the OP identifier XRDS document.
func HttpHandlerServerYadis(config *ConfigHTTP, central *Central, w http.ResponseWriter, r *http.Request) {
	HttpSendXRDS(w, central.ServerYadis())
}

// NewHttpHandler wires all endpoints of the identity daemon onto one mux.
func NewHttpHandler(config *ConfigHTTP, central *Central) http.Handler {
	base := basePath(config)
	makehandler := func(actual func(*ConfigHTTP, *Central, http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if ePanic := recover(); ePanic != nil {
					central.Log.Errorf("Panic in HTTP handler %v: %v", r.URL.Path, ePanic)
					HttpSendError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			actual(config, central, w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(base, makehandler(HttpHandlerRoot))
	mux.HandleFunc(base+"ping", makehandler(HttpHandlerPing))
	mux.HandleFunc(base+"openidserver", makehandler(HttpHandlerOpenIDServer))
	mux.HandleFunc(base+"login", makehandler(HttpHandlerLogin))
	mux.HandleFunc(base+"loginsubmit", makehandler(HttpHandlerLoginSubmit))
	mux.HandleFunc(base+"logout", makehandler(HttpHandlerLogout))
	mux.HandleFunc(base+"allow", makehandler(HttpHandlerAllow))
	mux.HandleFunc(base+"id/", makehandler(HttpHandlerID))
	mux.HandleFunc(base+"yadis/", makehandler(HttpHandlerUserYadis))
	mux.HandleFunc(base+"serveryadis", makehandler(HttpHandlerServerYadis))
	return mux
}

// RunHttp runs the identity daemon until the listener fails.
func RunHttp(config *ConfigHTTP, central *Central) error {
	handler := NewHttpHandler(config, central)
	addr := fmt.Sprintf("%v:%v", config.Bind, config.Port)
	central.Log.Infof("Identity daemon listening on %v (base %v)", addr, basePath(config))
	if config.Nonsecure {
		return http.ListenAndServe(addr, handler)
	}
	return http.ListenAndServeTLS(addr, config.TLSCertFile, config.TLSKeyFile, handler)
}

func RunHttpFromConfig(config *Config) error {
	if central, err := NewCentralFromConfig(config); err != nil {
		return err
	} else {
		return RunHttp(&config.HTTP, central)
	}
}
