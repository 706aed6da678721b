package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsContextKey = "auth_claims"

// CallerClaims is the bearer-token payload presented by internal callers
// (webhook handlers, the transaction pipeline).
type CallerClaims struct {
	Caller string `json:"caller"`
	jwt.RegisteredClaims
}

// authMiddleware validates an HS256 bearer token. An empty signing key
// disables authentication; that mode exists for local development and tests.
func authMiddleware(signingKey string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if signingKey == "" {
			ctx.Next()
			return
		}
		tokenString := bearerToken(ctx.GetHeader("Authorization"))
		if tokenString == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "missing bearer token", false))
			return
		}
		claims := &CallerClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(signingKey), nil
		})
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "invalid bearer token", false))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
