package echoapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/shuleapp/shule/core/user"
)

func TestLoginVerifyRoundTrip(t *testing.T) {
	app, svc, _ := setup(t)
	usr := createUser(t, svc, "awa", "awa@shule.app", user.RoleTeacher, "Aw3$0m3Pass", true)

	// login
	req, rec := newRequest(http.MethodPost, "/api/auth/login", []byte(`{"username": "awa", "password": "Aw3$0m3Pass"}`))
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed! code = %v; body = %v", rec.Code, rec.Body.String())
	}

	var res LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshalling LoginResponse: %v", err)
	}
	if !res.Success || res.Token == "" {
		t.Errorf("login response = %+v; want success with a token", res)
	}
	if res.User.ID != usr.ID || res.User.Role.Name != user.RoleTeacher {
		t.Errorf("login user = %+v; want %v with role %v", res.User, usr.ID, user.RoleTeacher)
	}
	if res.User.LastLogin.IsZero() {
		t.Error("login did not set LastLogin")
	}

	// the token opens the session endpoints
	req, rec = newAuthRequest(http.MethodGet, "/api/auth/verify", res.Token)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify failed! code = %v; body = %v", rec.Code, rec.Body.String())
	}
	var vres VerifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &vres); err != nil {
		t.Fatalf("unmarshalling VerifyResponse: %v", err)
	}
	if vres.User.ID != usr.ID {
		t.Errorf("verify user = %v; want %v", vres.User.ID, usr.ID)
	}

	// logout is a client-side no-op and needs no token
	req, rec = newRequest(http.MethodPost, "/api/auth/logout", nil)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("logout failed! code = %v; body = %v", rec.Code, rec.Body.String())
	}
}

// A failed login never says whether the username exists, the password was
// wrong or the account is deactivated.
func TestLoginFailuresAreUniform(t *testing.T) {
	app, svc, _ := setup(t)
	createUser(t, svc, "hassan", "hassan@shule.app", user.RoleStudent, "Aw3$0m3Pass", true)
	createUser(t, svc, "gone", "gone@shule.app", user.RoleStudent, "Aw3$0m3Pass", false)

	wantData := marchallObj(t, errorResponse{Message: user.ErrInvalidCredentials.Error()})

	tests := []httpTest{
		{name: "unknown username", body: []byte(`{"username": "nobody", "password": "Aw3$0m3Pass"}`)},
		{name: "wrong password", body: []byte(`{"username": "hassan", "password": "wr0ng&pass"}`)},
		{name: "inactive account", body: []byte(`{"username": "gone", "password": "Aw3$0m3Pass"}`)},
		{name: "email of inactive account", body: []byte(`{"username": "gone@shule.app", "password": "Aw3$0m3Pass"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.wantCode = http.StatusUnauthorized
			tt.wantData = wantData
			req, rec := newRequest(http.MethodPost, "/api/auth/login", tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func TestSessionRequiresValidToken(t *testing.T) {
	app, svc, conf := setup(t)
	usr := createUser(t, svc, "imani", "imani@shule.app", user.RoleParent, "Aw3$0m3Pass", true)

	expiredConf := *conf
	expiredConf.Server.JWTExpirationDelta = -time.Hour
	badKeyConf := *conf
	badKeyConf.SecretKey = "not-the-secret"

	tests := []httpTest{
		{name: "no token", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "garbage token", token: "not.a.jwt", wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, errorResponse{Message: "invalid or expired jwt"})},
		{name: "expired token", token: getToken(t, &expiredConf, usr), wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, errorResponse{Message: "invalid or expired jwt"})},
		{name: "wrong signing key", token: getToken(t, &badKeyConf, usr), wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, errorResponse{Message: "invalid or expired jwt"})},
		{name: "unknown subject", token: getToken(t, conf, user.User{ID: "deadbeef"}), wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, errorResponse{Message: "invalid or expired jwt"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodGet, "/api/auth/verify", tt.token)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

// A valid token stops working the moment the account is deactivated: the user
// is re-fetched on every request.
func TestDeactivationTakesEffectNextRequest(t *testing.T) {
	app, svc, conf := setup(t)
	usr := createUser(t, svc, "zuri", "zuri@shule.app", user.RoleTeacher, "Aw3$0m3Pass", true)
	token := getToken(t, conf, usr)

	req, rec := newAuthRequest(http.MethodGet, "/api/auth/verify", token)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify failed! code = %v; body = %v", rec.Code, rec.Body.String())
	}

	deactivated := false
	if _, err := svc.Update(context.Background(), usr.ID, user.UpdateUser{IsActive: &deactivated}); err != nil {
		t.Fatalf("svc.Update(): %v", err)
	}

	req, rec = newAuthRequest(http.MethodGet, "/api/auth/verify", token)
	app.ServeHTTP(rec, req)
	tt := httpTest{
		wantCode: http.StatusUnauthorized,
		wantData: marchallObj(t, errorResponse{Message: "invalid or expired jwt"}),
	}
	checkCodeAndData(t, tt, rec)
}

// Token claims carry a role snapshot; access checks ignore it and use the
// stored role instead.
func TestRoleChangeTakesEffectNextRequest(t *testing.T) {
	app, svc, conf := setup(t)
	usr := createUser(t, svc, "neema", "neema@shule.app", user.RoleAdmin, "Aw3$0m3Pass", true)
	token := getToken(t, conf, usr) // claims say admin

	req, rec := newAuthRequest(http.MethodGet, "/api/users", token)
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin listing failed! code = %v; body = %v", rec.Code, rec.Body.String())
	}

	if _, err := svc.Update(context.Background(), usr.ID, user.UpdateUser{Role: user.RoleStudent}); err != nil {
		t.Fatalf("svc.Update(): %v", err)
	}

	// same token, demoted role
	req, rec = newAuthRequest(http.MethodGet, "/api/users", token)
	app.ServeHTTP(rec, req)
	tt := httpTest{
		wantCode: http.StatusForbidden,
		wantData: marchallObj(t, errorResponse{Message: "permission denied"}),
	}
	checkCodeAndData(t, tt, rec)
}

// permissionRequired and roleRequired guard a probe route mounted the same
// way the API mounts them.
func TestAccessPredicates(t *testing.T) {
	_, svc, conf := setup(t)
	auth := newAuthenticator(conf, svc)

	probe := echo.New()
	probe.HTTPErrorHandler = newAppHTTPErrorHandler(nopLogger{}, newTestTranslator(), func() {})
	ok := func(ctx echo.Context) error { return ctx.NoContent(http.StatusOK) }
	session := []echo.MiddlewareFunc{auth.jwtMiddleware(), auth.sessionMiddleware()}
	probe.GET("/perm", ok, append(session, permissionRequired("students:update"))...)
	probe.GET("/role", ok, append(session, roleRequired(user.RoleTeacher, user.RoleAdmin))...)

	admin := createUser(t, svc, "admin", "admin@shule.app", user.RoleAdmin, "Aw3$0m3Pass", true)
	teacher := createUser(t, svc, "mwalimu", "mwalimu@shule.app", user.RoleTeacher, "Aw3$0m3Pass", true)
	parent := createUser(t, svc, "mzazi", "mzazi@shule.app", user.RoleParent, "Aw3$0m3Pass", true)

	forbidden := marchallObj(t, errorResponse{Message: "permission denied"})

	tests := []httpTest{
		{name: "wildcard grants any permission", path: "/perm", token: getToken(t, conf, admin), wantCode: http.StatusOK},
		{name: "explicit permission", path: "/perm", token: getToken(t, conf, teacher), wantCode: http.StatusOK},
		{name: "missing permission", path: "/perm", token: getToken(t, conf, parent), wantCode: http.StatusForbidden, wantData: forbidden},
		{name: "role member", path: "/role", token: getToken(t, conf, teacher), wantCode: http.StatusOK},
		{name: "role member via second role", path: "/role", token: getToken(t, conf, admin), wantCode: http.StatusOK},
		{name: "wildcard grants no role", path: "/role", token: getToken(t, conf, parent), wantCode: http.StatusForbidden, wantData: forbidden},
		{name: "no token", path: "/perm", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(http.MethodGet, tt.path, tt.token)
			probe.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
			}
			if tt.wantData != nil {
				checkCodeAndData(t, tt, rec)
			}
		})
	}
}

func TestClaimsSnapshot(t *testing.T) {
	conf := testConfig()
	usr := user.User{
		ID:       "uid-1",
		Username: "amina",
		Email:    "amina@shule.app",
		Role:     user.Role{Name: user.RoleTeacher, Permissions: []string{"students:read"}},
	}

	claims := GetUserClaims(conf, usr)
	if claims.Subject != usr.ID || claims.Username != usr.Username || claims.Role != user.RoleTeacher {
		t.Errorf("claims = %+v; want snapshot of %+v", claims, usr)
	}
	if claims.Issuer != conf.AppName {
		t.Errorf("claims.Issuer = %v; want %v", claims.Issuer, conf.AppName)
	}
	wantExp := time.Now().Add(conf.Server.JWTExpirationDelta).Unix()
	if delta := claims.ExpiresAt - wantExp; delta < -5 || delta > 5 {
		t.Errorf("claims.ExpiresAt = %v; want ~%v", claims.ExpiresAt, wantExp)
	}

	if _, err := GenerateToken(conf, claims); err != nil {
		t.Errorf("GenerateToken(): %v", err)
	}
}
