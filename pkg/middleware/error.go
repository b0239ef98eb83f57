package middleware

import (
	"errors"
	"net/http"

	"questline-settlement/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders the last handler error as a JSON body with the HTTP status
// derived from its CoreStatus. Unclassified errors become 500s without
// leaking their message.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil {
			return
		}

		var be *errutil.BaseError
		if errors.As(last.Err, &be) {
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		internal := &errutil.BaseError{Code: errutil.StatusInternal, Message: "internal error"}
		c.JSON(http.StatusInternalServerError, internal.JSON())
	}
}
