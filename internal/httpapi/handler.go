// Package httpapi exposes the sync core over HTTP: a gin facade that
// stands in for the UI layer, one route per core operation.
package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veltalk/roomsync/client"
	"github.com/veltalk/roomsync/domain"
	"github.com/veltalk/roomsync/pkg/log"
)

// Handler serves the daemon facade. Rooms open lazily on first touch
// and stay open until the daemon shuts down.
type Handler struct {
	client *client.Client
}

func NewHandler(c *client.Client) *Handler {
	return &Handler{client: c}
}

// RegisterRoutes wires every facade route onto r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/emojis/suggested", h.SuggestedEmojis)

	rooms := r.Group("/rooms/:id")
	{
		rooms.GET("/messages", h.ListMessages)
		rooms.POST("/messages", h.SendMessage)
		rooms.PATCH("/messages/:mid", h.EditMessage)
		rooms.DELETE("/messages/:mid", h.DeleteMessage)
		rooms.GET("/messages/:mid/reactions", h.GetReactions)
		rooms.POST("/messages/:mid/reactions", h.ToggleReaction)
		rooms.POST("/refresh", h.RefreshRoom)
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

func (h *Handler) SuggestedEmojis(c *gin.Context) {
	success(c, gin.H{"emojis": h.client.SuggestedEmojis()})
}

// session opens or returns the room named in the route. A false return
// means the reply was already written.
func (h *Handler) session(c *gin.Context) (*client.Session, bool) {
	roomID := c.Param("id")
	if roomID == "" {
		badRequest(c, "room id is required")
		return nil, false
	}
	s, err := h.client.OpenRoom(c.Request.Context(), domain.Room{ID: roomID})
	if err != nil {
		failErr(c, err)
		return nil, false
	}
	return s, true
}

// message resolves the :mid route parameter against the room's current
// sequence.
func (h *Handler) message(c *gin.Context, s *client.Session) (domain.Message, bool) {
	localID := c.Param("mid")
	for _, m := range s.Messages() {
		if m.LocalID == localID {
			return m, true
		}
	}
	failErr(c, domain.ErrUnknownMessage)
	return domain.Message{}, false
}

func (h *Handler) ListMessages(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	success(c, gin.H{"messages": s.Messages()})
}

type sendRequest struct {
	Body     string `json:"body"`
	AssetRef string `json:"asset_ref"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	s, ok := h.session(c)
	if !ok {
		return
	}

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind send request")
		badRequest(c, err.Error())
		return
	}

	var msg domain.Message
	var err error
	if req.AssetRef != "" {
		msg, err = s.SendAsset(ctx, req.AssetRef)
	} else {
		msg, err = s.Send(ctx, req.Body)
	}
	if err != nil {
		failErr(c, err)
		return
	}
	created(c, msg)
}

type editRequest struct {
	Body string `json:"body"`
}

func (h *Handler) EditMessage(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	s, ok := h.session(c)
	if !ok {
		return
	}

	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind edit request")
		badRequest(c, err.Error())
		return
	}

	if err := s.Edit(ctx, c.Param("mid"), req.Body); err != nil {
		failErr(c, err)
		return
	}
	success(c, gin.H{"local_id": c.Param("mid")})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Delete(c.Request.Context(), c.Param("mid")); err != nil {
		failErr(c, err)
		return
	}
	success(c, gin.H{"local_id": c.Param("mid")})
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (h *Handler) ToggleReaction(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	s, ok := h.session(c)
	if !ok {
		return
	}
	msg, ok := h.message(c, s)
	if !ok {
		return
	}

	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind reaction request")
		badRequest(c, err.Error())
		return
	}

	summary, err := s.Reactions().Toggle(ctx, msg, req.Emoji)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, summary)
}

func (h *Handler) GetReactions(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	msg, ok := h.message(c, s)
	if !ok {
		return
	}

	force := c.Query("force") == "true"
	summary, err := s.Reactions().Summary(c.Request.Context(), msg, force)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, summary)
}

func (h *Handler) RefreshRoom(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Refresh(c.Request.Context()); err != nil {
		failErr(c, err)
		return
	}
	success(c, gin.H{"messages": s.Messages()})
}
