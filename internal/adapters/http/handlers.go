package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dstrelka/huddle/internal/app"
	"github.com/dstrelka/huddle/internal/core"
	"github.com/dstrelka/huddle/internal/domain"
)

// API is the request/response realization of the signaling surface,
// mirroring the push-free subset of the protocol.
type API struct {
	rooms *core.RoomManager
}

func NewAPI(rooms *core.RoomManager) *API {
	return &API{rooms: rooms}
}

func RegisterRoutes(r *gin.Engine, api *API) {
	r.GET("/rooms", api.listRooms)
	r.POST("/rooms/:roomId", api.createRoom)
	r.GET("/rooms/:roomId", api.getRoom)
	r.DELETE("/rooms/:roomId", api.deleteRoom)
	r.POST("/rooms/:roomId/transports", api.createTransport)
	r.POST("/rooms/:roomId/transports/:transportId/connect", api.connectTransport)
	r.POST("/rooms/:roomId/transports/:transportId/producers", api.createProducer)
	r.POST("/rooms/:roomId/transports/:transportId/consumers", api.createConsumer)
	r.POST("/rooms/:roomId/consumers/:consumerId/resume", api.resumeConsumer)
	r.GET("/rooms/:roomId/producers", api.listProducers)
}

// writeError maps the core taxonomy onto HTTP statuses.
func writeError(c *gin.Context, op string, err error) {
	app.SignalErrors.WithLabelValues(op).Inc()
	status := http.StatusInternalServerError
	switch {
	case core.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrNotJoined),
		errors.Is(err, core.ErrAlreadyJoined),
		errors.Is(err, core.ErrTransportNotConnected):
		status = http.StatusConflict
	case errors.Is(err, core.ErrMediaEngineUnavailable),
		errors.Is(err, core.ErrTransportCreationFailed),
		errors.Is(err, core.ErrConnectFailed):
		status = http.StatusBadGateway
	case errors.Is(err, domain.ErrRoomIDEmpty),
		errors.Is(err, domain.ErrRoomIDTooLong),
		errors.Is(err, domain.ErrPeerIDEmpty),
		errors.Is(err, domain.ErrBadMediaKind):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (a *API) createRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	room, err := a.rooms.GetOrCreate(c.Request.Context(), roomID)
	if err != nil {
		writeError(c, "createRoom", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":          room.ID,
		"rtpCapabilities": room.Capabilities(),
	})
}

func (a *API) getRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	room, ok := a.rooms.Get(roomID)
	if !ok {
		writeError(c, "getRoom", &core.NotFoundError{Kind: core.KindRoom, ID: string(roomID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":          room.ID,
		"rtpCapabilities": room.Capabilities(),
	})
}

func (a *API) deleteRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("roomId"))
	if !a.rooms.Delete(roomID) {
		writeError(c, "deleteRoom", &core.NotFoundError{Kind: core.KindRoom, ID: string(roomID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (a *API) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": a.rooms.List()})
}

func (a *API) createTransport(c *gin.Context) {
	room, ok := a.rooms.Get(domain.RoomID(c.Param("roomId")))
	if !ok {
		writeError(c, "createTransport", &core.NotFoundError{Kind: core.KindRoom, ID: c.Param("roomId")})
		return
	}
	var body struct {
		PeerID    string `json:"peerId"`
		ForceTCP  bool   `json:"forceTcp"`
		Producing bool   `json:"producing"`
		Consuming bool   `json:"consuming"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	row, err := room.CreateTransport(c.Request.Context(), domain.PeerID(body.PeerID), core.TransportOptions{
		ForceTCP:  body.ForceTCP,
		Producing: body.Producing,
		Consuming: body.Consuming,
	})
	if err != nil {
		writeError(c, "createTransport", err)
		return
	}
	params, err := room.TransportParameters(row.ID)
	if err != nil {
		writeError(c, "createTransport", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                   row.ID,
		"connectionParameters": params,
	})
}

func (a *API) connectTransport(c *gin.Context) {
	room, ok := a.rooms.Get(domain.RoomID(c.Param("roomId")))
	if !ok {
		writeError(c, "connectTransport", &core.NotFoundError{Kind: core.KindRoom, ID: c.Param("roomId")})
		return
	}
	var body struct {
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	transportID := domain.TransportID(c.Param("transportId"))
	if err := room.ConnectTransport(c.Request.Context(), transportID, body.DtlsParameters); err != nil {
		writeError(c, "connectTransport", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": true})
}

func (a *API) createProducer(c *gin.Context) {
	room, ok := a.rooms.Get(domain.RoomID(c.Param("roomId")))
	if !ok {
		writeError(c, "produce", &core.NotFoundError{Kind: core.KindRoom, ID: c.Param("roomId")})
		return
	}
	var body struct {
		PeerID        string          `json:"peerId"`
		Kind          string          `json:"kind"`
		RtpParameters json.RawMessage `json:"rtpParameters"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	kind, err := domain.ParseMediaKind(body.Kind)
	if err != nil {
		writeError(c, "produce", err)
		return
	}
	row, err := room.AddProducer(c.Request.Context(), domain.PeerID(body.PeerID),
		domain.TransportID(c.Param("transportId")), kind, body.RtpParameters)
	if err != nil {
		writeError(c, "produce", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": row.ID, "kind": row.Kind})
}

func (a *API) createConsumer(c *gin.Context) {
	room, ok := a.rooms.Get(domain.RoomID(c.Param("roomId")))
	if !ok {
		writeError(c, "consume", &core.NotFoundError{Kind: core.KindRoom, ID: c.Param("roomId")})
		return
	}
	var body struct {
		PeerID          string          `json:"peerId"`
		ProducerID      string          `json:"producerId"`
		RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	row, rtpParameters, err := room.AddConsumer(c.Request.Context(), domain.PeerID(body.PeerID),
		domain.TransportID(c.Param("transportId")), domain.ProducerID(body.ProducerID), body.RtpCapabilities)
	if err != nil {
		writeError(c, "consume", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            row.ID,
		"producerId":    row.ProducerID,
		"kind":          row.Kind,
		"rtpParameters": rtpParameters,
	})
}

func (a *API) resumeConsumer(c *gin.Context) {
	room, ok := a.rooms.Get(domain.RoomID(c.Param("roomId")))
	if !ok {
		writeError(c, "resumeConsumer", &core.NotFoundError{Kind: core.KindRoom, ID: c.Param("roomId")})
		return
	}
	consumerID := domain.ConsumerID(c.Param("consumerId"))
	if err := room.ResumeConsumer(c.Request.Context(), consumerID); err != nil {
		writeError(c, "resumeConsumer", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}

func (a *API) listProducers(c *gin.Context) {
	room, ok := a.rooms.Get(domain.RoomID(c.Param("roomId")))
	if !ok {
		writeError(c, "listProducers", &core.NotFoundError{Kind: core.KindRoom, ID: c.Param("roomId")})
		return
	}
	excluding := domain.PeerID(c.Query("excludePeerId"))
	c.JSON(http.StatusOK, gin.H{"producers": room.ListProducers(excluding)})
}
