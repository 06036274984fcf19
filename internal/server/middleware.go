package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/jobtrail/jobtrail/internal/account/domain"
)

const (
	headerUserID  = "X-User-Id"
	headerGuestID = "X-Guest-Id"

	accountContextKey = "jobtrail/account"
)

// IdentityRequired resolves the caller's account from the identity headers
// set by the edge gateway. The edge strips these headers from inbound
// traffic, so their presence here is trusted.
func (s *Server) IdentityRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := accountdomain.Identity{
			UserID:  strings.TrimSpace(c.GetHeader(headerUserID)),
			GuestID: strings.TrimSpace(c.GetHeader(headerGuestID)),
		}

		account, err := s.accountSvc.Resolve(c.Request.Context(), identity)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(accountContextKey, account)
		c.Next()
	}
}

func accountFrom(c *gin.Context) (*accountdomain.Account, bool) {
	v, ok := c.Get(accountContextKey)
	if !ok {
		return nil, false
	}
	account, ok := v.(*accountdomain.Account)
	return account, ok
}
