// Package httpapi exposes the capabilities directory over the admin HTTP
// server.
//
//	GET    /v1/capabilities                   local providers
//	POST   /v1/capabilities                   register a provider
//	DELETE /v1/capabilities/:participantId    unregister a provider
//	GET    /v1/lookup                         lookup by domains and interface
//	GET    /v1/participants/:participantId    lookup by participant id
//	POST   /v1/readd                          re-register global providers
//	POST   /v1/stale                          remove stale providers of this node
//	GET    /v1/routes                         routing table snapshot
package httpapi

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"

	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/errors"
	"github.com/kbukum/capdir/logger"
	"github.com/kbukum/capdir/routing"
	"github.com/kbukum/capdir/server"
	"github.com/kbukum/capdir/validation"
)

// Directory is the part of the capabilities directory the API serves.
type Directory interface {
	Add(entry capabilities.DiscoveryEntry, awaitGlobalRegistration bool, gbids ...string) *capabilities.Future[struct{}]
	Remove(participantID string) *capabilities.Future[struct{}]
	Lookup(domains []string, interfaceName string, qos capabilities.DiscoveryQos,
		gbids ...string) *capabilities.Future[[]capabilities.DiscoveryEntryWithMetaInfo]
	LookupParticipant(participantID string, qos capabilities.DiscoveryQos,
		gbids ...string) *capabilities.Future[capabilities.DiscoveryEntryWithMetaInfo]
	ListLocalCapabilities() []capabilities.DiscoveryEntry
	TriggerReAdd()
	RemoveStaleProvidersOfClusterController()
}

// RouteSource lists the routing table.
type RouteSource interface {
	Routes() []routing.Route
}

// Handler serves the directory routes.
type Handler struct {
	dir    Directory
	routes RouteSource
	log    *logger.Logger
	clock  clock.Clock
	expiry time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock sets the clock used to stamp registrations.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithProviderExpiry sets the expiry given to registrations that carry none.
func WithProviderExpiry(d time.Duration) Option {
	return func(h *Handler) { h.expiry = d }
}

// WithRoutes exposes the routing table under /v1/routes.
func WithRoutes(r RouteSource) Option {
	return func(h *Handler) { h.routes = r }
}

// NewHandler creates a Handler for dir.
func NewHandler(dir Directory, log *logger.Logger, opts ...Option) *Handler {
	h := &Handler{
		dir:    dir,
		log:    log.WithComponent("capabilities.httpapi"),
		clock:  clock.New(),
		expiry: capabilities.DefaultProviderExpiryInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.GET("/capabilities", h.List)
	v1.POST("/capabilities", h.Add)
	v1.DELETE("/capabilities/:participantId", h.Remove)
	v1.GET("/lookup", h.Lookup)
	v1.GET("/participants/:participantId", h.LookupParticipant)
	v1.POST("/readd", h.ReAdd)
	v1.POST("/stale", h.RemoveStale)
	if h.routes != nil {
		v1.GET("/routes", h.Routes)
	}
}

// AddRequest is the body of POST /v1/capabilities.
type AddRequest struct {
	Entry                   capabilities.DiscoveryEntry `json:"entry"`
	AwaitGlobalRegistration bool                        `json:"awaitGlobalRegistration"`
	Gbids                   []string                    `json:"gbids"`
}

// List returns the local providers.
func (h *Handler) List(c *gin.Context) {
	entries := h.dir.ListLocalCapabilities()
	if entries == nil {
		entries = []capabilities.DiscoveryEntry{}
	}
	server.RespondOK(c, entries)
}

// Add registers a provider. Registrations without an expiry date get the
// configured provider expiry.
func (h *Handler) Add(c *gin.Context) {
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		server.RespondWithError(c, errors.InvalidFormat("body", "JSON add request").WithCause(err))
		return
	}
	if err := validation.Validate(req.Entry); err != nil {
		server.RespondWithError(c, err)
		return
	}
	if req.Entry.Qos.Scope == "" {
		req.Entry.Qos.Scope = capabilities.ScopeGlobal
	}
	if req.Entry.ExpiryDateMs == 0 {
		req.Entry.ExpiryDateMs = h.clock.Now().Add(h.expiry).UnixMilli()
	}

	h.log.WithContext(c.Request.Context()).Debug("add requested", logger.Fields(
		logger.FieldParticipantID, req.Entry.ParticipantID, logger.FieldScope, string(req.Entry.Qos.Scope), logger.FieldGBIDs, req.Gbids))

	fut := h.dir.Add(req.Entry, req.AwaitGlobalRegistration, req.Gbids...)
	if _, ok := await(c, fut); ok {
		server.RespondCreated(c, req.Entry)
	}
}

// Remove unregisters a provider. Global unregistration happens in the
// background, so the response is 202.
func (h *Handler) Remove(c *gin.Context) {
	id := c.Param("participantId")
	if _, ok := await(c, h.dir.Remove(id)); ok {
		server.RespondAccepted(c, gin.H{"participantId": id})
	}
}

// Lookup resolves providers of an interface in the given domains.
//
// Query: domain (repeatable or comma separated), interface, and the QoS
// parameters read by parseQos.
func (h *Handler) Lookup(c *gin.Context) {
	domains := splitList(c.QueryArray("domain"))
	interfaceName := c.Query("interface")

	v := validation.New().
		Check(len(domains) > 0, "domain", "at least one domain is required").
		Unique("domain", domains).
		Required("interface", interfaceName)
	if appErr := v.Err(); appErr != nil {
		server.RespondWithError(c, appErr)
		return
	}
	qos, gbids, err := parseQos(c, capabilities.DefaultDiscoveryQos())
	if err != nil {
		server.RespondWithError(c, err)
		return
	}

	if entries, ok := await(c, h.dir.Lookup(domains, interfaceName, qos, gbids...)); ok {
		if entries == nil {
			entries = []capabilities.DiscoveryEntryWithMetaInfo{}
		}
		server.RespondOK(c, entries)
	}
}

// LookupParticipant resolves one provider.
func (h *Handler) LookupParticipant(c *gin.Context) {
	qos, gbids, err := parseQos(c, capabilities.DefaultParticipantDiscoveryQos())
	if err != nil {
		server.RespondWithError(c, err)
		return
	}
	if entry, ok := await(c, h.dir.LookupParticipant(c.Param("participantId"), qos, gbids...)); ok {
		server.RespondOK(c, entry)
	}
}

// ReAdd triggers re-registration of all global providers.
func (h *Handler) ReAdd(c *gin.Context) {
	h.dir.TriggerReAdd()
	server.RespondAccepted(c, gin.H{"triggered": "readd"})
}

// RemoveStale triggers removal of stale providers of this node.
func (h *Handler) RemoveStale(c *gin.Context) {
	h.dir.RemoveStaleProvidersOfClusterController()
	server.RespondAccepted(c, gin.H{"triggered": "remove_stale"})
}

// Routes returns the routing table.
func (h *Handler) Routes(c *gin.Context) {
	routes := h.routes.Routes()
	if routes == nil {
		routes = []routing.Route{}
	}
	server.RespondOK(c, routes)
}

// parseQos reads scope, cacheMaxAge (ms, negative for no limit),
// discoveryTimeout (ms) and gbid (repeatable or comma separated) on top of
// qos.
func parseQos(c *gin.Context, qos capabilities.DiscoveryQos) (capabilities.DiscoveryQos, []string, error) {
	if s := c.Query("scope"); s != "" {
		qos.DiscoveryScope = capabilities.DiscoveryScope(strings.ToUpper(s))
		if !qos.DiscoveryScope.Valid() {
			return qos, nil, errors.InvalidInput("scope", "unknown discovery scope "+strconv.Quote(s))
		}
	}
	if s := c.Query("cacheMaxAge"); s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return qos, nil, errors.InvalidFormat("cacheMaxAge", "milliseconds")
		}
		if ms < 0 {
			qos.CacheMaxAge = capabilities.NoMaxAge
		} else {
			qos.CacheMaxAge = time.Duration(ms) * time.Millisecond
		}
	}
	if s := c.Query("discoveryTimeout"); s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil || ms <= 0 {
			return qos, nil, errors.InvalidFormat("discoveryTimeout", "positive milliseconds")
		}
		qos.DiscoveryTimeout = time.Duration(ms) * time.Millisecond
	}
	return qos, splitList(c.QueryArray("gbid")), nil
}

// await waits for fut while the request is alive and writes the error
// response on failure.
func await[T any](c *gin.Context, fut *capabilities.Future[T]) (T, bool) {
	var zero T
	r, err := fut.Wait(c.Request.Context())
	switch {
	case err == nil:
	case err == context.DeadlineExceeded:
		server.RespondWithError(c, errors.Timeout("directory request"))
		return zero, false
	default:
		// client went away
		c.Status(499)
		return zero, false
	}

	if r.DiscoveryError != "" {
		respondDiscoveryError(c, r.DiscoveryError)
		return zero, false
	}
	if r.Failure != nil {
		server.RespondWithError(c, r.Failure)
		return zero, false
	}
	return r.Value, true
}

func respondDiscoveryError(c *gin.Context, derr capabilities.DiscoveryError) {
	status := derr.HTTPStatus()
	appErr := errors.New(errors.ErrorCode(derr), "discovery error: "+string(derr), status)
	c.JSON(status, appErr.ToResponse())
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
