package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/inspect-gateway/internal/apierr"
	"github.com/user/inspect-gateway/internal/proxypool"
	"github.com/user/inspect-gateway/internal/queue"
)

func clientIP(c *gin.Context) string { return c.ClientIP() }

func writeAPIError(c *gin.Context, status int, err *apierr.Error) {
	c.JSON(status, gin.H{"error": err.Message, "kind": err.Kind})
}

func statusForKind(kind apierr.Kind) int {
	switch kind {
	case apierr.KindInvalidInspect, apierr.KindBadBody, apierr.KindBadSecret:
		return http.StatusBadRequest
	case apierr.KindMaxRequests, apierr.KindRateLimit:
		return http.StatusTooManyRequests
	case apierr.KindMaxQueueSize:
		return http.StatusServiceUnavailable
	case apierr.KindSteamOffline:
		return http.StatusServiceUnavailable
	case apierr.KindTTLExceeded:
		return http.StatusGatewayTimeout
	case apierr.KindNoBotsAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleInspect is GET /: a single inspect link via either a pre-formed
// url or the discrete s/a/d/m query parameters (spec.md §6).
func (s *Server) handleInspect(c *gin.Context) {
	var link queue.LinkRequest
	var aerr *apierr.Error

	if raw := c.Query("url"); raw != "" {
		link, aerr = parseInspectURL(raw)
	} else {
		link, aerr = resolveDiscreteLink(c.Query("s"), c.Query("a"), c.Query("d"), c.Query("m"))
	}
	if aerr != nil {
		writeAPIError(c, statusForKind(aerr.Kind), aerr)
		return
	}
	resolvePrice(&link, c.Query("price"), c.Query("priceKey"), s.cfg.PriceKey)

	ip := clientIP(c)
	if aerr := s.admit(ip, 1); aerr != nil {
		writeAPIError(c, statusForKind(aerr.Kind), aerr)
		return
	}

	job := queue.NewJob([]queue.LinkRequest{link})
	s.queue.AddJob(job, ip)
	s.waitAndRespondSingle(c, job)
}

// bulkRequest is the POST /bulk body (spec.md §6, with §9 Open Question
// (a) resolved in favor of reading price per-entry from the body).
type bulkRequest struct {
	BulkKey  string `json:"bulk_key"`
	PriceKey string `json:"priceKey"`
	Links    []struct {
		Link  string `json:"link"`
		Price string `json:"price"`
	} `json:"links"`
}

func (s *Server) handleBulk(c *gin.Context) {
	var body bulkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, http.StatusBadRequest, apierr.New(apierr.KindBadBody, "malformed bulk request body"))
		return
	}
	if s.cfg.BulkKey != "" && body.BulkKey != s.cfg.BulkKey {
		writeAPIError(c, http.StatusUnauthorized, apierr.New(apierr.KindBadSecret, "bad bulk key"))
		return
	}
	if s.cfg.MaxBulkLinks > 0 && len(body.Links) > s.cfg.MaxBulkLinks {
		writeAPIError(c, http.StatusBadRequest, apierr.New(apierr.KindBadBody, "too many links in one bulk request"))
		return
	}

	links := make([]queue.LinkRequest, 0, len(body.Links))
	for _, l := range body.Links {
		link, aerr := parseInspectURL(l.Link)
		if aerr != nil {
			writeAPIError(c, statusForKind(aerr.Kind), aerr)
			return
		}
		// Price is read from this entry's own body field, not a shared
		// query parameter: every link in a bulk batch carries its own
		// submitted price independently.
		resolvePrice(&link, l.Price, body.PriceKey, s.cfg.PriceKey)
		links = append(links, link)
	}

	ip := clientIP(c)
	if aerr := s.admit(ip, len(links)); aerr != nil {
		writeAPIError(c, statusForKind(aerr.Kind), aerr)
		return
	}

	job := queue.NewJob(links)
	s.queue.AddJob(job, ip)
	s.waitAndRespondBulk(c, job)
}

// admit runs the three-stage admission check from spec.md §6 (steam
// offline, per-client cap, queue cap), plus an optional windowed per-client
// cap backed by ratelimit.ClientCapStore ahead of it.
func (s *Server) admit(ip string, remaining int) *apierr.Error {
	if s.capStore != nil && s.cfg.ClientCapMax > 0 {
		n, capErr := s.capStore.Increment(context.Background(), ip, s.cfg.ClientCapWindow)
		if capErr == nil && n > s.cfg.ClientCapMax {
			return apierr.New(apierr.KindMaxRequests, "client request-cap window exceeded")
		}
	}
	err := s.queue.CheckAdmission(ip, remaining, s.cfg.MaxSimultaneousRequests, s.cfg.MaxQueueSize)
	if err == nil {
		return nil
	}
	switch err {
	case queue.ErrSteamOffline:
		return apierr.New(apierr.KindSteamOffline, "no ready session available")
	case queue.ErrMaxRequests:
		return apierr.New(apierr.KindMaxRequests, "too many in-flight requests for this client")
	case queue.ErrMaxQueueSize:
		return apierr.New(apierr.KindMaxQueueSize, "queue is full")
	default:
		return apierr.New(apierr.KindGenericBad, err.Error())
	}
}

func (s *Server) waitAndRespondSingle(c *gin.Context, job *queue.Job) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.JobTimeout)
	defer cancel()
	if err := job.Wait(ctx); err != nil {
		writeAPIError(c, http.StatusGatewayTimeout, apierr.New(apierr.KindTTLExceeded, "request timed out waiting on the queue"))
		return
	}
	slot := job.Slots[0]
	if slot.Err != nil {
		writeAPIError(c, statusForKind(slot.Err.Kind), slot.Err)
		return
	}
	c.JSON(http.StatusOK, slot.Item)
}

func (s *Server) waitAndRespondBulk(c *gin.Context, job *queue.Job) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.JobTimeout)
	defer cancel()
	if err := job.Wait(ctx); err != nil {
		writeAPIError(c, http.StatusGatewayTimeout, apierr.New(apierr.KindTTLExceeded, "request timed out waiting on the queue"))
		return
	}

	results := make([]gin.H, len(job.Slots))
	for i, slot := range job.Slots {
		if slot.Err != nil {
			results[i] = gin.H{"error": slot.Err.Message, "kind": slot.Err.Kind}
			continue
		}
		results[i] = gin.H{"item": slot.Item}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// handleStats is GET /stats (spec.md §6).
func (s *Server) handleStats(c *gin.Context) {
	resp := gin.H{
		"bots_online":        s.fleet.ReadyCount(),
		"bots_total":         s.fleet.TotalCount(),
		"queue_size":         s.queue.Size(),
		"queue_concurrency":  s.queue.Concurrency(),
		"pending_auth":       s.fleet.PendingAuthCount(),
	}
	if s.pool != nil {
		groups := s.pool.Groups()
		failed := make(map[int]bool)
		for _, id := range s.pool.FailedGroupIDs() {
			failed[id] = true
		}
		poolStats := make([]gin.H, len(groups))
		for i, g := range groups {
			poolStats[i] = groupStats(g, !failed[g.ID])
		}
		resp["proxy_pool"] = poolStats
	}
	if c.Query("details") != "" {
		details := make(gin.H, len(s.fleet.PendingAuthEntries()))
		for username, entry := range s.fleet.PendingAuthEntries() {
			details[username] = gin.H{
				"authType": entry.AuthType,
				"waiting":  time.Since(entry.At).String(),
			}
		}
		resp["pending_auth_details"] = details
	}
	c.JSON(http.StatusOK, resp)
}

func groupStats(g *proxypool.Group, healthy bool) gin.H {
	return gin.H{
		"id":             g.ID,
		"activeRequests": g.ActiveRequests,
		"totalRequests":  g.TotalRequests,
		"successRate":    g.SuccessRate(),
		"healthy":        healthy,
	}
}

// authRequest is the POST /auth body (spec.md §6).
type authRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
	AuthKey  string `json:"auth_key"`
}

func (s *Server) handleAuth(c *gin.Context) {
	var body authRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeAPIError(c, http.StatusBadRequest, apierr.New(apierr.KindBadBody, "malformed auth request body"))
		return
	}
	if s.cfg.AuthKey != "" && body.AuthKey != s.cfg.AuthKey {
		writeAPIError(c, http.StatusUnauthorized, apierr.New(apierr.KindBadSecret, "bad auth key"))
		return
	}
	if err := s.fleet.SubmitAuthCode(body.Username, body.Code); err != nil {
		writeAPIError(c, http.StatusNotFound, apierr.New(apierr.KindInvalidInspect, "no session pending auth for that username"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handlePendingAuth is GET /pending-auth (spec.md §6).
func (s *Server) handlePendingAuth(c *gin.Context) {
	entries := s.fleet.PendingAuthEntries()
	out := make([]gin.H, 0, len(entries))
	for username, entry := range entries {
		out = append(out, gin.H{
			"username": username,
			"authType": entry.AuthType,
			"waiting":  time.Since(entry.At).String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"pending": out})
}

// handleStatus is GET /status (spec.md §6).
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.fleet.GetStatus())
}
