package authtoken

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/relaymesh/relaymesh-core/internal/apperr"
)

// RequireAuth returns Fiber middleware that validates a JWT Bearer token from the Authorization header and stores
// the authenticated Principal in c.Locals("principal").
func (v *Validator) RequireAuth() fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return writeUnauthenticated(c, "missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return writeUnauthenticated(c, "invalid authorization format")
		}

		principal, err := v.Validate(header[len(prefix):])
		if err != nil {
			message := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				message = "token has expired"
			}
			return writeUnauthenticated(c, message)
		}

		c.Locals("principal", principal)
		return c.Next()
	}
}

func writeUnauthenticated(c fiber.Ctx, message string) error {
	appErr := apperr.New(apperr.Unauthenticated, message)
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": fiber.Map{"code": appErr.Code, "message": appErr.Message},
	})
}

// PrincipalFromLocals extracts the Principal stored by RequireAuth, for handlers downstream of the middleware.
func PrincipalFromLocals(c fiber.Ctx) (Principal, bool) {
	p, ok := c.Locals("principal").(Principal)
	return p, ok
}
