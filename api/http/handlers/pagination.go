package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const maxPageSize = 200

// queryInt reads a non-negative integer query parameter. ok is false when the
// parameter is absent.
func queryInt(c *fiber.Ctx, key string) (n int, ok bool, err error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return 0, false, nil
	}
	n, err = strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, true, fmt.Errorf("невалидный %s", key)
	}
	return n, true, nil
}

// parseLimitOffset is lenient: malformed or out-of-range values fall back to defaults.
func parseLimitOffset(c *fiber.Ctx, defLimit int) (limit, offset int) {
	limit = defLimit
	if n, ok, err := queryInt(c, "limit"); ok && err == nil && n > 0 && n <= maxPageSize {
		limit = n
	}
	if n, ok, err := queryInt(c, "offset"); ok && err == nil {
		offset = n
	}
	return limit, offset
}
