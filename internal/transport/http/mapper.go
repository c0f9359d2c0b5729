package http

import (
	"encoding/json"

	"github.com/vovakirdan/recallchat/internal/attachment"
	"github.com/vovakirdan/recallchat/internal/auth"
	"github.com/vovakirdan/recallchat/internal/core"
	"github.com/vovakirdan/recallchat/internal/presence"
	"github.com/vovakirdan/recallchat/internal/proto"
	"github.com/vovakirdan/recallchat/internal/store"
)

func inboundToCommand(inbound proto.Inbound, verifier *auth.Service) (*core.Command, *proto.Error) {
	switch inbound.Type {
	case proto.InboundTypeJoin:
		var join proto.JoinData
		if err := decode(inbound.Data, &join); err != nil {
			return nil, err
		}
		if join.Protocol != 0 && join.Protocol != proto.ProtocolVersion {
			return nil, &proto.Error{Code: proto.ErrCodeUnsupportedVersion, Msg: "unsupported protocol version"}
		}
		identity, protoErr := resolveIdentity(join, verifier)
		if protoErr != nil {
			return nil, protoErr
		}
		return &core.Command{Kind: core.CommandJoin, Identity: identity}, nil

	case proto.InboundTypeSend:
		var msg proto.SendData
		if err := decode(inbound.Data, &msg); err != nil {
			return nil, err
		}
		draft := core.Draft{
			Kind:       store.MessageKind(msg.Kind),
			Text:       msg.Text,
			Attachment: toAttachment(firstAttachment(msg.Attachment, msg.FileInfo, msg.File)),
		}
		if msg.QuotedID != "" {
			quoted := msg.QuotedID
			draft.QuotedID = &quoted
		}
		return &core.Command{Kind: core.CommandSendMessage, Draft: draft}, nil

	case proto.InboundTypeRecall:
		var recall proto.RecallData
		if err := decode(inbound.Data, &recall); err != nil {
			return nil, err
		}
		if recall.MessageID == "" {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "message_id is required"}
		}
		deleteNow := recall.DeleteAttachment
		if f := recall.FileInfo; f != nil && (f.FilePath != "" || f.Path != "") {
			deleteNow = true
		}
		return &core.Command{
			Kind:             core.CommandRecallMessage,
			MessageID:        recall.MessageID,
			AuthorID:         recall.AuthorID,
			DeleteAttachment: deleteNow,
		}, nil

	case proto.InboundTypeEdit:
		var edit proto.EditData
		if err := decode(inbound.Data, &edit); err != nil {
			return nil, err
		}
		if edit.MessageID == "" {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "message_id is required"}
		}
		return &core.Command{
			Kind:      core.CommandEditRecalled,
			MessageID: edit.MessageID,
			AuthorID:  edit.AuthorID,
			Text:      edit.Text,
		}, nil

	case proto.InboundTypeDelete:
		var del proto.DeleteData
		if err := decode(inbound.Data, &del); err != nil {
			return nil, err
		}
		if del.MessageID == "" {
			return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "message_id is required"}
		}
		return &core.Command{
			Kind:      core.CommandDeleteMessage,
			MessageID: del.MessageID,
			AuthorID:  del.AuthorID,
		}, nil

	case proto.InboundTypeListOnline:
		return &core.Command{Kind: core.CommandListOnline}, nil

	default:
		return nil, &proto.Error{Code: proto.ErrCodeInvalidMessage, Msg: "unknown message type"}
	}
}

func decode(data json.RawMessage, v any) *proto.Error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &proto.Error{Code: proto.ErrCodeInvalidMessage, Msg: "malformed payload"}
	}
	return nil
}

// resolveIdentity trusts the announced identity unless tokens are required,
// in which case the token's claims win.
func resolveIdentity(join proto.JoinData, verifier *auth.Service) (presence.Identity, *proto.Error) {
	if !verifier.Enabled() {
		if join.ID == "" {
			return presence.Identity{}, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "id is required"}
		}
		return presence.Identity{ID: join.ID, Username: join.Username, Avatar: join.Avatar}, nil
	}

	if join.Token == "" {
		return presence.Identity{}, &proto.Error{Code: core.ErrCodeUnauthorized, Msg: "token is required"}
	}
	claims, err := verifier.Identify(join.Token)
	if err != nil {
		return presence.Identity{}, &proto.Error{Code: core.ErrCodeUnauthorized, Msg: "invalid token"}
	}

	identity := presence.Identity{ID: claims.UserID(), Username: claims.Username, Avatar: claims.Avatar}
	if identity.Username == "" {
		identity.Username = join.Username
	}
	if identity.Avatar == "" {
		identity.Avatar = join.Avatar
	}
	return identity, nil
}

func firstAttachment(candidates ...*proto.Attachment) *proto.Attachment {
	for _, a := range candidates {
		if a != nil {
			return a
		}
	}
	return nil
}

// toAttachment folds the current and legacy upload descriptors into one shape.
func toAttachment(in *proto.Attachment) *store.Attachment {
	if in == nil {
		return nil
	}

	key := firstNonEmpty(in.StorageKey, in.Filename, in.FilePath, in.Path)
	return &store.Attachment{
		StorageKey:  attachment.NormalizeKey(key),
		DisplayName: firstNonEmpty(in.DisplayName, in.OriginalName, in.Filename),
		MimeType:    firstNonEmpty(in.MimeType, in.LegacyMime),
		SizeBytes:   max(in.SizeBytes, in.Size),
		Path:        firstNonEmpty(in.Path, in.FilePath),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventHistory:
		messages := make([]proto.EventMessage, 0, len(event.Messages))
		for _, msg := range event.Messages {
			messages = append(messages, toEventMessage(msg))
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: event.Kind.String(),
			Data:  proto.EventHistory{Messages: messages},
		}
	case core.EventMessageCreated:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: event.Kind.String(),
			Data:  toEventMessage(event.Message),
		}
	case core.EventMessageRecalled, core.EventMessageEdited, core.EventMessagePurged:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: event.Kind.String(),
			Data: proto.EventMessageRef{
				MessageID: event.MessageID,
				AuthorID:  event.AuthorID,
				Text:      event.Text,
			},
		}
	case core.EventPresenceCount:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: event.Kind.String(),
			Data:  proto.EventPresenceCount{Count: event.Count},
		}
	case core.EventPresenceList:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: event.Kind.String(),
			Data:  proto.EventPresenceList{Users: toUsers(event.Users)},
		}
	case core.EventError:
		if event.Error == nil {
			return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: "unknown", Msg: "unknown error"}}
		}
		return proto.Outbound{
			Type: proto.OutboundTypeError,
			Error: &proto.Error{
				Code:      event.Error.Code,
				Msg:       event.Error.Message,
				MessageID: event.MessageID,
			},
		}
	default:
		return proto.Outbound{Type: proto.OutboundTypeEvent}
	}
}

func toEventMessage(msg *store.Message) proto.EventMessage {
	out := proto.EventMessage{
		ID:           msg.ID,
		AuthorID:     msg.AuthorID,
		AuthorName:   msg.AuthorName,
		AuthorAvatar: msg.AuthorAvatar,
		Kind:         string(msg.Kind),
		Text:         msg.Text,
		Status:       string(msg.Status),
		TS:           msg.CreatedAt.UnixMilli(),
	}
	if msg.Attachment != nil {
		out.Attachment = &proto.OutAttachment{
			StorageKey:  msg.Attachment.StorageKey,
			DisplayName: msg.Attachment.DisplayName,
			MimeType:    msg.Attachment.MimeType,
			SizeBytes:   msg.Attachment.SizeBytes,
		}
	}
	if msg.QuotedID != nil {
		out.QuotedID = *msg.QuotedID
	}
	if msg.RecalledAt != nil {
		out.RecalledAt = msg.RecalledAt.UnixMilli()
	}
	return out
}

func toUsers(identities []presence.Identity) []proto.User {
	users := make([]proto.User, 0, len(identities))
	for _, id := range identities {
		users = append(users, proto.User{ID: id.ID, Username: id.Username, Avatar: id.Avatar})
	}
	return users
}
