package core

import (
	"context"
	"errors"
	"time"

	"github.com/vovakirdan/recallchat/internal/presence"
	"github.com/vovakirdan/recallchat/internal/store"
)

const commandTimeout = 10 * time.Second

// serve executes the client's commands one at a time until the transport
// closes the command channel. Commands already read from the wire still run
// after the connection drops.
func (h *Hub) serve(ctx context.Context, c *Client) {
	base := context.WithoutCancel(ctx)
	for cmd := range c.Commands {
		if cmd == nil {
			continue
		}
		cmdCtx, cancel := context.WithTimeout(base, commandTimeout)
		h.handle(cmdCtx, c, cmd)
		cancel()
	}
}

func (h *Hub) handle(ctx context.Context, c *Client, cmd *Command) {
	var err error

	switch cmd.Kind {
	case CommandJoin:
		err = h.join(ctx, c, cmd.Identity)
	case CommandListOnline:
		h.SendTo(c, &Event{Kind: EventPresenceList, Users: h.presence.OnlineUsers()})
	case CommandSendMessage:
		var me presence.Identity
		if me, err = requester(c, ""); err == nil {
			_, err = h.lifecycle.Send(ctx, me, cmd.Draft)
		}
	case CommandRecallMessage:
		var me presence.Identity
		if me, err = requester(c, cmd.AuthorID); err == nil {
			_, err = h.lifecycle.Recall(ctx, RecallRequest{
				MessageID:        cmd.MessageID,
				RequesterID:      me.ID,
				DeleteAttachment: cmd.DeleteAttachment,
			})
		}
	case CommandEditRecalled:
		var me presence.Identity
		if me, err = requester(c, cmd.AuthorID); err == nil {
			_, err = h.lifecycle.Edit(ctx, EditRequest{
				MessageID:   cmd.MessageID,
				RequesterID: me.ID,
				Text:        cmd.Text,
			})
		}
	case CommandDeleteMessage:
		var me presence.Identity
		if me, err = requester(c, cmd.AuthorID); err == nil {
			err = h.lifecycle.Delete(ctx, cmd.MessageID, me.ID)
		}
	default:
		err = badRequest("unknown command")
	}

	if err != nil {
		h.deny(c, cmd, err)
	}
}

// join binds an identity to the connection and announces the new presence.
func (h *Hub) join(ctx context.Context, c *Client, identity presence.Identity) error {
	if identity.ID == "" {
		return badRequest("identity id is required")
	}

	// The user record is informational; presence does not depend on it.
	if _, err := h.store.UpsertUser(ctx, &store.User{
		ID:       identity.ID,
		Username: identity.Username,
		Avatar:   identity.Avatar,
	}); err != nil {
		h.log.Warn().Err(err).Str("user_id", identity.ID).Msg("failed to record user")
	}

	if !c.attach(identity, func() { h.presence.Join(c.ID, identity) }) {
		return nil
	}
	h.updatePresenceMetrics()

	h.log.Info().Str("client_id", c.ID).Str("user_id", identity.ID).Str("username", identity.Username).Msg("user joined")
	h.broadcastPresence()
	return nil
}

// deny reports a rejected command to the requesting connection only.
func (h *Hub) deny(c *Client, cmd *Command, err error) {
	ce := asCoreError(err)
	h.metrics.IncDenial(ce.Code)
	h.log.Debug().
		Str("client_id", c.ID).
		Str("message_id", cmd.MessageID).
		Str("code", ce.Code).
		Msg("command denied")

	h.SendTo(c, &Event{Kind: EventError, MessageID: cmd.MessageID, Error: ce})
}

// requester resolves who is acting on the connection. A claimed author that
// differs from the announced identity is treated as acting for someone else.
func requester(c *Client, claimedAuthorID string) (presence.Identity, error) {
	me, ok := c.Identity()
	if !ok {
		return presence.Identity{}, ErrNotJoined
	}
	if claimedAuthorID != "" && claimedAuthorID != me.ID {
		return presence.Identity{}, ErrNotOwner
	}
	return me, nil
}

func asCoreError(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return storeUnavailable(err)
}
