package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/ManuelReschke/payhook/internal/pkg/env"
)

// KeyPrincipal is the fiber Locals key holding the authenticated Principal.
const KeyPrincipal = "ADMIN_PRINCIPAL"

// ErrUnauthorized is returned by an Authorizer for unknown credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Principal identifies the operator behind an admin request. Every admin
// query is scoped to OrganizationID.
type Principal struct {
	Actor          string
	OrganizationID string
}

// Authorizer validates a bearer token and returns the principal bound to it.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (Principal, error)
}

// Credential binds a bcrypt token hash to one organization and actor.
type Credential struct {
	OrganizationID string
	Actor          string
	Hash           string
}

// BcryptAuthorizer accepts tokens matching one of its credential hashes.
type BcryptAuthorizer struct {
	creds []Credential
}

func NewBcryptAuthorizer(creds ...Credential) *BcryptAuthorizer {
	a := &BcryptAuthorizer{}
	for _, c := range creds {
		c.Hash = strings.TrimSpace(c.Hash)
		c.OrganizationID = strings.TrimSpace(c.OrganizationID)
		if c.Hash == "" || c.OrganizationID == "" {
			continue
		}
		if c.Actor == "" {
			c.Actor = "admin:" + c.OrganizationID
		}
		a.creds = append(a.creds, c)
	}
	return a
}

// LoadCredentials reads ADMIN_ORGANIZATIONS (comma separated) and, per
// organization, ADMIN_TOKEN_BCRYPT_<ORG> and the optional ADMIN_ACTOR_<ORG>.
func LoadCredentials() []Credential {
	return loadCredentials(env.GetEnv)
}

func loadCredentials(lookup func(key, def string) string) []Credential {
	var creds []Credential
	for _, org := range strings.Split(lookup("ADMIN_ORGANIZATIONS", ""), ",") {
		org = strings.TrimSpace(org)
		if org == "" {
			continue
		}
		suffix := envSuffix(org)
		hash := lookup("ADMIN_TOKEN_BCRYPT_"+suffix, "")
		if strings.TrimSpace(hash) == "" {
			log.Warnf("[AdminAuth] No token hash configured for organization %s", org)
			continue
		}
		creds = append(creds, Credential{
			OrganizationID: org,
			Actor:          lookup("ADMIN_ACTOR_"+suffix, ""),
			Hash:           hash,
		})
	}
	return creds
}

func envSuffix(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(s))
}

func (a *BcryptAuthorizer) Authorize(_ context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	for _, c := range a.creds {
		if bcrypt.CompareHashAndPassword([]byte(c.Hash), []byte(token)) == nil {
			return Principal{Actor: c.Actor, OrganizationID: c.OrganizationID}, nil
		}
	}
	return Principal{}, ErrUnauthorized
}

// AdminAuth authenticates admin requests and stores the Principal bound to
// the token. An X-Organization-ID header naming another organization is
// rejected.
func AdminAuth(authz Authorizer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractBearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing bearer token"})
		}

		principal, err := authz.Authorize(c.UserContext(), token)
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				log.Errorf("[AdminAuth] Authorization failed: %v", err)
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Authorization failed"})
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid token"})
		}

		if orgID := strings.TrimSpace(c.Get("X-Organization-ID")); orgID != "" && orgID != principal.OrganizationID {
			log.Warnf("[AdminAuth] %s attempted to act on organization %s", principal.Actor, orgID)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Token is not valid for this organization"})
		}

		c.Locals(KeyPrincipal, principal)
		return c.Next()
	}
}

// GetPrincipal returns the Principal stored by AdminAuth.
func GetPrincipal(c *fiber.Ctx) (Principal, bool) {
	p, ok := c.Locals(KeyPrincipal).(Principal)
	return p, ok
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
