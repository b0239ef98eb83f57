package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
)

// Identity headers set by the gateway after it authenticates the request.
// This service trusts them; authentication itself happens upstream.
const (
	HeaderWorkspaceID = "X-Workspace-ID"
	HeaderActorID     = "X-Actor-ID"
	HeaderActorRole   = "X-Actor-Role"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
)

type actorKey struct{}

var actorContextKey = actorKey{}

type Actor struct {
	ID   string
	Role string
}

// Identity copies actor headers into the request context so services can
// read them without touching gin.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := Actor{
			ID:   c.GetHeader(HeaderActorID),
			Role: c.GetHeader(HeaderActorRole),
		}

		ctx := context.WithValue(c.Request.Context(), actorContextKey, actor)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// ActorFromContext returns the actor placed by Identity, zero-valued when
// the middleware did not run.
func ActorFromContext(ctx context.Context) Actor {
	actor, ok := ctx.Value(actorContextKey).(Actor)
	if !ok {
		return Actor{}
	}
	return actor
}

// WorkspaceID resolves the workspace scope of a request. The path param
// wins over the header so scoped routes stay canonical.
func WorkspaceID(c *gin.Context) string {
	if v := c.Param("workspace_id"); v != "" {
		return v
	}
	return c.GetHeader(HeaderWorkspaceID)
}
