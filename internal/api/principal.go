package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/relaymesh/relaymesh-core/internal/apperr"
	"github.com/relaymesh/relaymesh-core/internal/authtoken"
)

// principalFrom reads the Principal stored by authtoken.Validator.RequireAuth. Handlers that reach this point
// are always behind that middleware, so a missing or wrong-typed value indicates a routing mistake rather than
// a client error.
func principalFrom(c fiber.Ctx) (authtoken.Principal, error) {
	p, ok := c.Locals("principal").(authtoken.Principal)
	if !ok {
		return authtoken.Principal{}, apperr.New(apperr.Internal, "principal missing from request context")
	}
	return p, nil
}
