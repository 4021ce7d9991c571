package httpapi

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// adminSessionClaims is a short-lived admin session token, grounded on the
// teacher's TenantAdminClaims SSO-token shape (HS256, RegisteredClaims),
// generalized from "SSO into one tenant" to "time-boxed operator session"
// so the root admin secret never has to be handed out directly.
type adminSessionClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// SignAdminSessionToken mints a session token HMAC-signed with secret,
// valid for ttl. secret is the daemon's configured root admin token.
func SignAdminSessionToken(secret, name string, ttl time.Duration) (string, error) {
	claims := adminSessionClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "tenantcore-admin",
			Subject:   name,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func validAdminSessionToken(secret, tokenString string) bool {
	token, err := jwt.ParseWithClaims(tokenString, &adminSessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return false
	}
	_, ok := token.Claims.(*adminSessionClaims)
	return ok && token.Valid
}
