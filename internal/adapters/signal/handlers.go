package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dstrelka/huddle/internal/app"
	"github.com/dstrelka/huddle/internal/core"
	"github.com/dstrelka/huddle/internal/domain"
)

func (ctl *Controller) handleMessage(ctx context.Context, connID string, c *WsConn, coord *app.Coordinator, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "", "bad_payload")
		return
	}

	switch env.Type {
	case "join":
		ctl.handleJoin(ctx, connID, c, coord, data)
	case "leave":
		ctl.handleLeave(c, coord)
	case "createTransport":
		ctl.handleCreateTransport(ctx, c, coord, data)
	case "connectTransport":
		ctl.handleConnectTransport(ctx, c, coord, data)
	case "produce":
		ctl.handleProduce(ctx, c, coord, data)
	case "consume":
		ctl.handleConsume(ctx, c, coord, data)
	case "resumeConsumer":
		ctl.handleResumeConsumer(ctx, c, coord, data)
	case "listProducers":
		ctl.handleListProducers(c, coord)
	case "ping":
		ctl.sendJSON(c, map[string]any{"type": "pong"})
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, env.Type, "unknown_type")
	}
}

func (ctl *Controller) handleJoin(ctx context.Context, connID string, c *WsConn, coord *app.Coordinator, data []byte) {
	var p struct {
		Room string `json:"room"`
		Peer string `json:"peer"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(c, "join", "bad_payload")
		return
	}
	if !ctl.limiter.Allow(connID) {
		ctl.sendError(c, "join", "too_many_joins")
		return
	}

	producers, err := coord.Join(ctx, domain.RoomID(p.Room), domain.PeerID(p.Peer))
	if err != nil {
		ctl.replyError(c, "join", err)
		return
	}
	log.Info().Str("module", "signal").Str("conn", connID).
		Str("room", p.Room).Str("peer", p.Peer).Msg("join")
	ctl.sendJSON(c, struct {
		Type      string            `json:"type"`
		Room      string            `json:"room"`
		Peer      string            `json:"peer"`
		Producers []domain.Producer `json:"producers"`
	}{"joined", p.Room, p.Peer, producers})
}

// handleLeave exits the room; the connection itself stays open.
func (ctl *Controller) handleLeave(c *WsConn, coord *app.Coordinator) {
	_ = coord.Leave()
	ctl.sendJSON(c, map[string]any{"type": "left"})
}

func (ctl *Controller) handleCreateTransport(ctx context.Context, c *WsConn, coord *app.Coordinator, data []byte) {
	var p struct {
		ForceTCP  bool `json:"forceTcp"`
		Producing bool `json:"producing"`
		Consuming bool `json:"consuming"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "createTransport", "bad_payload")
		return
	}
	row, params, err := coord.CreateTransport(ctx, core.TransportOptions{
		ForceTCP:  p.ForceTCP,
		Producing: p.Producing,
		Consuming: p.Consuming,
	})
	if err != nil {
		ctl.replyError(c, "createTransport", err)
		return
	}
	ctl.sendJSON(c, struct {
		Type                 string             `json:"type"`
		ID                   domain.TransportID `json:"id"`
		ConnectionParameters json.RawMessage    `json:"connectionParameters"`
	}{"transportCreated", row.ID, params})
}

func (ctl *Controller) handleConnectTransport(ctx context.Context, c *WsConn, coord *app.Coordinator, data []byte) {
	var p struct {
		TransportID    string          `json:"transportId"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "connectTransport", "bad_payload")
		return
	}
	if err := coord.ConnectTransport(ctx, domain.TransportID(p.TransportID), p.DtlsParameters); err != nil {
		ctl.replyError(c, "connectTransport", err)
		return
	}
	ctl.sendJSON(c, map[string]any{"type": "transportConnected", "transportId": p.TransportID})
}

func (ctl *Controller) handleProduce(ctx context.Context, c *WsConn, coord *app.Coordinator, data []byte) {
	var p struct {
		TransportID   string          `json:"transportId"`
		Kind          string          `json:"kind"`
		RtpParameters json.RawMessage `json:"rtpParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "produce", "bad_payload")
		return
	}
	kind, err := domain.ParseMediaKind(p.Kind)
	if err != nil {
		ctl.replyError(c, "produce", err)
		return
	}
	row, err := coord.Produce(ctx, domain.TransportID(p.TransportID), kind, p.RtpParameters)
	if err != nil {
		ctl.replyError(c, "produce", err)
		return
	}
	ctl.sendJSON(c, struct {
		Type string            `json:"type"`
		ID   domain.ProducerID `json:"id"`
		Kind domain.MediaKind  `json:"kind"`
	}{"produced", row.ID, row.Kind})
}

func (ctl *Controller) handleConsume(ctx context.Context, c *WsConn, coord *app.Coordinator, data []byte) {
	var p struct {
		TransportID     string          `json:"transportId"`
		ProducerID      string          `json:"producerId"`
		RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "consume", "bad_payload")
		return
	}
	row, rtpParameters, err := coord.Consume(ctx, domain.TransportID(p.TransportID),
		domain.ProducerID(p.ProducerID), p.RtpCapabilities)
	if err != nil {
		ctl.replyError(c, "consume", err)
		return
	}
	ctl.sendJSON(c, struct {
		Type          string            `json:"type"`
		ID            domain.ConsumerID `json:"id"`
		ProducerID    domain.ProducerID `json:"producerId"`
		Kind          domain.MediaKind  `json:"kind"`
		RtpParameters json.RawMessage   `json:"rtpParameters"`
	}{"consumed", row.ID, row.ProducerID, row.Kind, rtpParameters})
}

func (ctl *Controller) handleResumeConsumer(ctx context.Context, c *WsConn, coord *app.Coordinator, data []byte) {
	var p struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, "resumeConsumer", "bad_payload")
		return
	}
	if err := coord.ResumeConsumer(ctx, domain.ConsumerID(p.ConsumerID)); err != nil {
		ctl.replyError(c, "resumeConsumer", err)
		return
	}
	ctl.sendJSON(c, map[string]any{"type": "consumerResumed", "consumerId": p.ConsumerID})
}

func (ctl *Controller) handleListProducers(c *WsConn, coord *app.Coordinator) {
	producers, err := coord.ListProducers()
	if err != nil {
		ctl.replyError(c, "listProducers", err)
		return
	}
	ctl.sendJSON(c, struct {
		Type      string            `json:"type"`
		Producers []domain.Producer `json:"producers"`
	}{"producers", producers})
}

func (ctl *Controller) sendJSON(c *WsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.trySendRaw(b)
}

func (ctl *Controller) sendError(c *WsConn, op, msg string) {
	app.SignalErrors.WithLabelValues(op).Inc()
	ctl.sendJSON(c, map[string]any{"type": "error", "op": op, "error": msg})
}

func (ctl *Controller) replyError(c *WsConn, op string, err error) {
	log.Warn().Str("module", "signal").Str("op", op).Err(err).Msg("request rejected")
	ctl.sendError(c, op, err.Error())
}
