package auth

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// RequireAgent ensures an agent principal is present.
func RequireAgent() fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok || principal.Agent == nil {
			return fiber.NewError(http.StatusForbidden, "agent required")
		}
		return c.Next()
	}
}

// CanAuthor reports whether the caller may post as authorID. Anonymous
// messages need no principal; agent messages need the matching agent.
func CanAuthor(principal *Principal, authorID *string) bool {
	if authorID == nil || *authorID == "" {
		return true
	}
	return principal.AgentID() == *authorID
}
