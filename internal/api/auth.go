package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/atmx/auction-engine/internal/model"
)

// CallerHeader carries the verified identity of the signer of a request.
// The gateway in front of this service checks signatures and sets it.
const CallerHeader = "X-Caller-Identity"

// ErrUnauthenticated is returned when a request carries no caller identity.
var ErrUnauthenticated = errors.New("api: missing caller identity")

// Authenticator resolves the identity that signed a request.
type Authenticator interface {
	Authenticate(r *http.Request) (model.Address, error)
}

// HeaderAuthenticator trusts an identity header set by an upstream gateway.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (model.Address, error) {
	caller := strings.TrimSpace(r.Header.Get(a.Header))
	if caller == "" {
		return "", ErrUnauthenticated
	}
	return model.Address(caller), nil
}

type callerKey struct{}

// RequireCaller rejects requests auth cannot identify and stores the
// identity in the request context.
func RequireCaller(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := auth.Authenticate(r)
			if err != nil {
				writeError(w, err.Error(), "unauthenticated", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), callerKey{}, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// callerFrom returns the identity stored by RequireCaller, or "".
func callerFrom(ctx context.Context) model.Address {
	caller, _ := ctx.Value(callerKey{}).(model.Address)
	return caller
}
