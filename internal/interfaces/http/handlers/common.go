// Package handlers contains the HTTP boundary: request decoding, parameter
// parsing, and the mapping from application errors onto status codes.  No
// domain logic lives here.
package handlers

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/molforge/molforge/internal/auth"
	"github.com/molforge/molforge/pkg/errors"
	"github.com/molforge/molforge/pkg/types/common"
)

// actorContextKey is where the auth middleware deposits the caller identity.
const actorContextKey = "molforge.actor"

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// respondError translates an application error into a JSON error response.
// Typed errors carry their own status mapping; anything else is a 500 with a
// generic body so internals do not leak.
func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.AbortWithStatusJSON(errors.HTTPStatusForCode(appErr.Code), ErrorBody{
			Code:    string(appErr.Code),
			Message: appErr.Message,
			Detail:  appErr.Detail,
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorBody{
		Code:    string(errors.ErrCodeInternal),
		Message: "internal error",
	})
}

// bindJSON decodes the request body, turning malformed JSON into a typed
// bad-request error instead of gin's default plain-text response.
func bindJSON(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		respondError(c, errors.Wrap(err, errors.ErrCodeBadRequest, "malformed request body"))
		return false
	}
	return true
}

// pageFrom reads cursor pagination from the query string.  Limits are clamped
// later by CursorPage.Normalize; a non-numeric limit is a client error.
func pageFrom(c *gin.Context) (common.CursorPage, bool) {
	page := common.CursorPage{Cursor: c.Query("cursor")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, errors.New(errors.ErrCodeBadRequest, "limit must be a non-negative integer").
				WithDetail("limit="+raw))
			return common.CursorPage{}, false
		}
		page.Limit = n
	}
	return page, true
}

// actorFrom returns the authenticated caller, or Anonymous when the route is
// reachable without credentials.
func actorFrom(c *gin.Context) auth.Actor {
	if v, ok := c.Get(actorContextKey); ok {
		if actor, ok := v.(auth.Actor); ok {
			return actor
		}
	}
	return auth.Anonymous
}

// SetActor stores the caller identity for downstream handlers.  Exported for
// the auth middleware and for tests.
func SetActor(c *gin.Context, actor auth.Actor) {
	c.Set(actorContextKey, actor)
}

func parseFloatQuery(c *gin.Context, name string) (*float64, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, errors.New(errors.ErrCodeBadRequest, "query parameter must be numeric").
			WithDetail(name + "=" + raw)
	}
	return &v, nil
}
