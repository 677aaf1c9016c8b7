package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/noah-isme/billing-nowpayments/internal/common"
	"github.com/noah-isme/billing-nowpayments/internal/tenant"
)

// Middleware wires token identity into HTTP handlers.
type Middleware struct {
	Tokens Tokens
}

// RequireAuth rejects requests without a valid bearer token. The token's
// subject and organization are placed on the request context.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.Tokens.Verify(bearer(r))
		if err != nil {
			var appErr *common.AppError
			if errors.As(err, &appErr) {
				common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, nil)
				return
			}
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		ctx := common.WithSubject(r.Context(), claims.Subject)
		if claims.OrganizationID != "" {
			ctx = tenant.WithOrganization(ctx, claims.OrganizationID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
