package echoapi

import (
	"net/http"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/shuleapp/shule/core"
	"github.com/shuleapp/shule/core/user"
)

const (
	claimsContextKey   = "userToken"
	userContextKey     = "user"
	identityContextKey = "identity"
	objectContextKey   = "object"
)

var (
	errUnauthorized     = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errInvalidToken     = echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired jwt")
	errPermissionDenied = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHTTPNotFound     = echo.NewHTTPError(http.StatusNotFound, "not found")
)

// Claims represents the authorization claims transmitted via a JWT.
// Role and Permissions are a snapshot taken at issue time; authorization
// decisions always use the freshly loaded identity instead.
type Claims struct {
	jwt.StandardClaims
	Username    string   `json:"username,omitempty"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type authenticator struct {
	conf *core.Config
	svc  *user.Service
}

func newAuthenticator(conf *core.Config, svc *user.Service) *authenticator {
	return &authenticator{conf: conf, svc: svc}
}

func (a *authenticator) jwtConfig() middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(a.conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    claimsContextKey,
		Claims:        new(Claims),
	}
}

// jwtMiddleware parses and verifies the bearer token signature and expiry.
func (a *authenticator) jwtMiddleware() echo.MiddlewareFunc {
	return middleware.JWTWithConfig(a.jwtConfig())
}

// GetUserClaims builds the claims issued on a successful login.
func GetUserClaims(conf *core.Config, usr user.User) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   usr.ID,
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		Username:    usr.Username,
		Email:       usr.Email,
		Role:        usr.Role.Name,
		Permissions: usr.Role.Permissions,
	}
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod(middleware.AlgorithmHS256), claims)
	ss, err := token.SignedString([]byte(conf.SecretKey))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(claimsContextKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextUser(ctx echo.Context) (user.User, error) {
	if usr, ok := ctx.Get(userContextKey).(user.User); ok {
		return usr, nil
	}
	return user.User{}, errUnauthorized
}

func getContextIdentity(ctx echo.Context) (user.Identity, error) {
	if idt, ok := ctx.Get(identityContextKey).(user.Identity); ok {
		return idt, nil
	}
	return user.Identity{}, errUnauthorized
}

// sessionMiddleware resolves the request identity from the store. The user is
// re-fetched on every request so a deactivation or role change takes effect on
// the next request, whatever a previously issued token says. An unknown or
// inactive user gets the same response as a bad token.
func (a *authenticator) sessionMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return err
			}

			usr, err := a.svc.GetByID(ctx.Request().Context(), claims.Subject)
			if err != nil {
				if errors.Cause(err) == user.ErrNotFound {
					return errInvalidToken
				}
				return errors.Wrap(err, "finding user by ID")
			}
			if !usr.IsActive {
				return errInvalidToken
			}

			ctx.Set(userContextKey, usr)
			ctx.Set(identityContextKey, user.NewIdentity(usr))
			return next(ctx)
		}
	}
}

// roleRequired allows the request only when the identity's role is one of
// roles. Permissions, wildcard included, play no part here.
func roleRequired(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			idt, err := getContextIdentity(ctx)
			if err != nil {
				return err
			}
			if !idt.HasRole(roles...) {
				return errPermissionDenied
			}
			return next(ctx)
		}
	}
}

// permissionRequired allows the request only when the identity holds perm,
// explicitly or via the wildcard.
func permissionRequired(perm string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			idt, err := getContextIdentity(ctx)
			if err != nil {
				return err
			}
			if !idt.Can(perm) {
				return errPermissionDenied
			}
			return next(ctx)
		}
	}
}
