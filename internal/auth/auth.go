package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"flowspec/backend/internal/config"
	"flowspec/backend/internal/repository"
	"flowspec/backend/pkg/models"

	"github.com/coreos/go-oidc"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// DevActor is the identity used when authentication is bypassed.
const DevActor = "dev@localhost"

// Auth verifies bearer tokens issued by the configured OpenID Connect
// provider and resolves the caller's company from the email domain.
type Auth struct {
	verifier   *oidc.IDTokenVerifier
	companies  repository.CompanyStore
	logger     Logger
	authBypass bool
	now        func() time.Time
}

// New creates a new Auth object using values from the application
// configuration. Outside of bypass mode it discovers the provider and
// prepares an access token verifier.
func New(ctx context.Context, cfg *config.Config, companies repository.CompanyStore, logger Logger) (*Auth, error) {
	env := strings.ToLower(cfg.Environment)
	isDev := env == "dev" || env == "development"
	shouldBypass := isDev && cfg.DevModeBypass

	a := &Auth{
		companies:  companies,
		logger:     logger,
		authBypass: shouldBypass,
		now:        time.Now,
	}
	if shouldBypass {
		return a, nil
	}

	if cfg.Auth.Issuer == "" {
		return nil, errors.New("auth configuration is incomplete: issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}
	// Access tokens often carry an API audience rather than the client id.
	a.verifier = provider.Verifier(&oidc.Config{
		ClientID:          cfg.Auth.ClientID,
		SkipClientIDCheck: cfg.Auth.ClientID == "",
	})
	return a, nil
}

// Bypassed reports whether requests are authenticated as DevActor.
func (a *Auth) Bypassed() bool {
	return a.authBypass
}

// RequireAuth is middleware that verifies the Authorization bearer token
// and injects the caller's Identity into the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			email  string
			scopes []string
		)

		if a.authBypass {
			email = DevActor
			scopes = AllScopes
		} else {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token, err := a.verifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}

			var claims struct {
				Email string   `json:"email"`
				Scp   []string `json:"scp"`
				Scope string   `json:"scope"`
			}
			if err := token.Claims(&claims); err != nil {
				http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
				return
			}
			email = claims.Email
			scopes = claims.Scp
			if len(scopes) == 0 && claims.Scope != "" {
				scopes = strings.Fields(claims.Scope)
			}
		}

		// Resolve the company from the email domain
		parts := strings.Split(email, "@")
		if len(parts) != 2 || parts[1] == "" {
			http.Error(w, "invalid email format in token", http.StatusUnauthorized)
			return
		}
		company, err := a.resolveCompany(r.Context(), parts[1])
		if err != nil {
			if a.logger != nil {
				a.logger.Error("failed to resolve company", "domain", parts[1], "error", err)
			}
			http.Error(w, "failed to resolve company", http.StatusInternalServerError)
			return
		}

		ctx := WithIdentity(r.Context(), Identity{CompanyID: company.ID, ActorID: email, Scopes: scopes})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveCompany looks up the company owning domain and provisions it on
// first sight.
func (a *Auth) resolveCompany(ctx context.Context, domain string) (*models.Company, error) {
	company, err := a.companies.GetCompanyByDomain(ctx, domain)
	if err == nil {
		return company, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := a.now().UTC()
	company = &models.Company{Name: domain, Domain: domain, CreatedAt: now, UpdatedAt: now}
	if err := a.companies.CreateCompany(ctx, company); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Provisioned by a concurrent request.
			return a.companies.GetCompanyByDomain(ctx, domain)
		}
		return nil, err
	}
	if a.logger != nil {
		a.logger.Info("company provisioned", "company_id", company.ID, "domain", domain)
	}
	return company, nil
}

// Identity is the authenticated caller.
type Identity struct {
	CompanyID string
	ActorID   string
	Scopes    []string
}

// HasScope reports whether the identity was granted scope.
func (i Identity) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity injected by RequireAuth.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
