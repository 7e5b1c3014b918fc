package daemon

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlie0129/locd/pkg/bridge"
	"github.com/charlie0129/locd/pkg/locator"
	"github.com/charlie0129/locd/pkg/provider"
	"github.com/charlie0129/locd/pkg/router"
	"github.com/charlie0129/locd/pkg/types"
)

// classify maps an error to its HTTP status and wire kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, provider.ErrProducerUnavailable):
		return http.StatusServiceUnavailable, types.ErrKindProducerUnavailable
	case errors.Is(err, bridge.ErrTimeout):
		return http.StatusRequestTimeout, types.ErrKindTimeout
	case errors.Is(err, bridge.ErrSuperseded):
		return http.StatusConflict, types.ErrKindSuperseded
	case errors.Is(err, locator.ErrUnknownContext):
		return http.StatusNotFound, types.ErrKindUnknownContext
	case errors.Is(err, router.ErrInvalidArity),
		errors.Is(err, router.ErrUnknownKind),
		errors.Is(err, locator.ErrInvalidArgument):
		return http.StatusBadRequest, types.ErrKindInvalidArgument
	default:
		return http.StatusInternalServerError, types.ErrKindInternal
	}
}

func abortWithError(c *gin.Context, err error) {
	code, kind := classify(err)
	abortWithStatus(c, code, kind, err)
}

func abortWithStatus(c *gin.Context, code int, kind string, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, types.ErrorResponse{Error: err.Error(), Kind: kind})
}

func badRequest(c *gin.Context, err error) {
	abortWithStatus(c, http.StatusBadRequest, types.ErrKindInvalidArgument, err)
}
