package middleware

import (
	"net/http"
	"strings"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/services"
	"rillcall/pkg/errors"
	"rillcall/pkg/logger"

	"github.com/gin-gonic/gin"
)

const peerIDKey = "peer_id"

// AuthMiddleware requires a bearer token issued for this node's peer id.
// The control API drives one node, so a valid token for another peer is
// still refused.
func AuthMiddleware(authService services.AuthService, localPeer domain.PeerID) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithAppError(c, errors.NewUnauthorizedError("bearer token required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithAppError(c, errors.WrapError(err, errors.ErrCodeUnauthorized, "invalid token", http.StatusUnauthorized))
			return
		}
		if localPeer != "" && claims.PeerID != localPeer {
			abortWithAppError(c, errors.NewAppError(errors.ErrCodeUnauthorized, "token issued for another peer", http.StatusForbidden))
			return
		}

		c.Set(peerIDKey, claims.PeerID)
		c.Request = c.Request.WithContext(logger.WithPeerID(c.Request.Context(), string(claims.PeerID)))
		c.Next()
	}
}

// PeerFromContext returns the authenticated peer, if any.
func PeerFromContext(c *gin.Context) (domain.PeerID, bool) {
	v, ok := c.Get(peerIDKey)
	if !ok {
		return "", false
	}
	peer, ok := v.(domain.PeerID)
	return peer, ok
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}
