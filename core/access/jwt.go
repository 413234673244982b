// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/provisio/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for the JWT middleware
type JwtMiddlewareBuilder struct {
	// Secret is the HMAC secret the tokens were signed with. This is mandatory.
	Secret string
	// Issuer is the accepted issuer for the token. Optional; when empty,
	// any issuer is accepted.
	Issuer string
}

type accountClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer
// tokens signed with a shared HMAC secret.
//
// Tokens are accepted as "Authorization: Bearer" header. The token subject
// is the account id the request acts for. A valid token yields an
// authorization with the "account" role plus any roles claimed by the token.
//
// Requests without a token pass through unauthorized; requests with an
// invalid token are rejected with http.StatusUnauthorized.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {

	if len(jmb.Secret) == 0 {
		panic("jwt secret is missing")
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(jmb.Secret), nil
	}

	authCache := NewAuthorizationCache()

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			if auth != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			rlog := logger.FromContext(r.Context())

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) > 0 && bearer != "null" {
				if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
					tokenString = bearer[7:]
				} else {
					tokenString = bearer
				}
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			if auth = authCache.Read(tokenString); auth != nil {
				ctx := auth.ContextWithAuthorization(r.Context())
				h.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			claims := accountClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc)
			if err != nil || !token.Valid ||
				(len(jmb.Issuer) > 0 && claims.Issuer != jmb.Issuer) {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			accountID, err := uuid.Parse(claims.Subject)
			if err != nil {
				http.Error(w, "invalid token subject", http.StatusUnauthorized)
				return
			}

			rlog.Debugln("authenticated account", accountID)

			auth = &Authorization{
				Roles:     append([]string{"account"}, claims.Roles...),
				AccountID: accountID,
			}
			authCache.Write(tokenString, auth)

			ctx := ContextWithIdentity(r.Context(), claims.Subject)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, claims.Subject)
			ctx = auth.ContextWithAuthorization(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
