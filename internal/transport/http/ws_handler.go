package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/recallchat/internal/auth"
	"github.com/vovakirdan/recallchat/internal/core"
	"github.com/vovakirdan/recallchat/internal/proto"
	"github.com/vovakirdan/recallchat/internal/utils"
)

const maxFrameBytes = 1 << 20

var errSlowConsumer = errors.New("client cannot keep up")

// RateLimit bounds inbound frames per connection.
type RateLimit struct {
	RPS   float64
	Burst int
}

// WSHandler upgrades HTTP connections and bridges them to core.Client.
type WSHandler struct {
	hub   *core.Hub
	auth  *auth.Service
	limit RateLimit
	log   *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, authService *auth.Service, limit RateLimit, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{hub: hub, auth: authService, limit: limit, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := core.NewClient(utils.NewID())
	h.log.Debug().Str("client_id", client.ID).Str("remote", r.RemoteAddr).Msg("ws connected")

	h.hub.Connect(ctx, client)
	defer h.hub.Disconnect(client)

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh
	// Only the read loop sends commands; it has returned.
	close(client.Commands)

	status, reason := closeStatus(err)
	if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
		h.log.Warn().Err(err).Str("client_id", client.ID).Msg("ws connection closed with error")
	}
	conn.Close(status, reason)
}

func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
		return websocket.StatusNormalClosure, "closing"
	case errors.Is(err, errSlowConsumer):
		return websocket.StatusPolicyViolation, err.Error()
	}

	status := websocket.CloseStatus(err)
	switch status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return status, "closing"
	case -1:
		return websocket.StatusInternalError, err.Error()
	default:
		return status, err.Error()
	}
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	limiter := newRateLimiter(h.limit.RPS, h.limit.Burst)

	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		if !limiter.allow() {
			h.log.Debug().Str("client_id", client.ID).Msg("rate limited")
			if err := h.writeError(ctx, conn, &proto.Error{Code: core.ErrCodeRateLimited, Msg: "too many requests"}); err != nil {
				return err
			}
			continue
		}

		cmd, protoErr := inboundToCommand(inbound, h.auth)
		if protoErr != nil {
			h.log.Debug().Str("client_id", client.ID).Str("type", inbound.Type).Str("code", protoErr.Code).Msg("rejected inbound")
			if err := h.writeError(ctx, conn, protoErr); err != nil {
				return err
			}
			continue
		}

		select {
		case client.Commands <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, protoErr *proto.Error) error {
	return wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: protoErr})
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	for {
		select {
		case event := <-client.Events:
			if event == nil {
				continue
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("client_id", client.ID).Msg("write ws event")
				return err
			}
		case <-client.Kicked():
			h.log.Warn().Str("client_id", client.ID).Msg("closing slow client")
			return errSlowConsumer
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
