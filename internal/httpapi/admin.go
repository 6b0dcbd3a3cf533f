package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/user/inspect-gateway/internal/apierr"
	"github.com/user/inspect-gateway/internal/upstream"
)

// adminAuthMiddleware mirrors the teacher's X-Admin-Key check, applied to
// the /admin group instead of tenant management.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Key") != s.cfg.AdminKey {
			writeAPIError(c, http.StatusUnauthorized, apierr.New(apierr.KindBadSecret, "bad admin key"))
			c.Abort()
			return
		}
		c.Next()
	}
}

type addAccountRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	AuthSecret string `json:"auth_secret"`
}

// handleAdminAddAccount is POST /admin/accounts: grows the fleet's spare
// pool without a restart and, when an account store is configured,
// persists the account so it survives the next restart too.
func (s *Server) handleAdminAddAccount(c *gin.Context) {
	var body addAccountRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Username == "" {
		writeAPIError(c, http.StatusBadRequest, apierr.New(apierr.KindBadBody, "malformed account"))
		return
	}
	account := upstream.Account{
		Username:   body.Username,
		Password:   body.Password,
		AuthSecret: body.AuthSecret,
	}
	s.fleet.AddSpareAccount(account)
	if s.accountStore != nil {
		if err := s.accountStore.AddAccount(c.Request.Context(), account); err != nil {
			s.log.Warn("admin: failed to persist new account", "username", body.Username, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type addProxyRequest struct {
	URL string `json:"url"`
}

// handleAdminAddProxy is POST /admin/proxies: appends a new proxy group;
// it receives sessions on the fleet's next redistribute, which runs after
// each spare-account activation.
func (s *Server) handleAdminAddProxy(c *gin.Context) {
	var body addProxyRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.URL == "" {
		writeAPIError(c, http.StatusBadRequest, apierr.New(apierr.KindBadBody, "malformed proxy"))
		return
	}
	if s.pool == nil {
		writeAPIError(c, http.StatusServiceUnavailable, apierr.New(apierr.KindGenericBad, "no proxy pool configured"))
		return
	}
	g := s.pool.AddGroup(body.URL)
	c.JSON(http.StatusOK, gin.H{"ok": true, "groupId": g.ID})
}
