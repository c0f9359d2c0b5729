package http

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/recallchat/internal/auth"
	"github.com/vovakirdan/recallchat/internal/core"
	"github.com/vovakirdan/recallchat/internal/presence"
	"github.com/vovakirdan/recallchat/internal/proto"
	"github.com/vovakirdan/recallchat/internal/store"
)

func inbound(t *testing.T, typ, raw string) proto.Inbound {
	t.Helper()
	return proto.Inbound{Type: typ, Data: json.RawMessage(raw)}
}

func TestInboundSendNormalizesLegacyAttachments(t *testing.T) {
	tests := map[string]string{
		"current": `{"attachment":{"storage_key":"f1.png","display_name":"cat.png","mime_type":"image/png","size_bytes":3}}`,
		"fileInfo": `{"fileInfo":{"filename":"f1.png","originalname":"cat.png","mimetype":"image/png","size":3,"path":"/uploads/f1.png"}}`,
		"file":     `{"file":{"path":"C:\\uploads\\f1.png","originalname":"cat.png","mimetype":"image/png","size":3}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			cmd, protoErr := inboundToCommand(inbound(t, proto.InboundTypeSend, raw), nil)
			require.Nil(t, protoErr)
			require.NotNil(t, cmd.Draft.Attachment)
			assert.Equal(t, "f1.png", cmd.Draft.Attachment.StorageKey)
			assert.Equal(t, "cat.png", cmd.Draft.Attachment.DisplayName)
			assert.Equal(t, "image/png", cmd.Draft.Attachment.MimeType)
			assert.Equal(t, int64(3), cmd.Draft.Attachment.SizeBytes)
		})
	}
}

func TestInboundSendQuote(t *testing.T) {
	cmd, protoErr := inboundToCommand(inbound(t, proto.InboundTypeSend, `{"text":"re","quoted_id":"m0"}`), nil)
	require.Nil(t, protoErr)
	assert.Equal(t, core.CommandSendMessage, cmd.Kind)
	require.NotNil(t, cmd.Draft.QuotedID)
	assert.Equal(t, "m0", *cmd.Draft.QuotedID)
	assert.Nil(t, cmd.Draft.Attachment)
}

func TestInboundRecallDeleteIntent(t *testing.T) {
	cases := map[string]bool{
		`{"message_id":"m1"}`:                                   false,
		`{"message_id":"m1","delete_attachment":true}`:          true,
		`{"message_id":"m1","fileInfo":{"filePath":"/u/f1"}}`:   true,
		`{"message_id":"m1","fileInfo":{"filename":"f1"}}`:      false,
		`{"message_id":"m1","fileInfo":{"path":"/uploads/f1"}}`: true,
	}
	for raw, want := range cases {
		cmd, protoErr := inboundToCommand(inbound(t, proto.InboundTypeRecall, raw), nil)
		require.Nil(t, protoErr, raw)
		assert.Equal(t, want, cmd.DeleteAttachment, raw)
	}
}

func TestInboundRequiresMessageID(t *testing.T) {
	for _, typ := range []string{proto.InboundTypeRecall, proto.InboundTypeEdit, proto.InboundTypeDelete} {
		_, protoErr := inboundToCommand(inbound(t, typ, `{"text":"x"}`), nil)
		require.NotNil(t, protoErr, typ)
		assert.Equal(t, core.ErrCodeBadRequest, protoErr.Code, typ)
	}
}

func TestInboundJoinWithoutAuth(t *testing.T) {
	cmd, protoErr := inboundToCommand(inbound(t, proto.InboundTypeJoin, `{"id":"u1","username":"alice","avatar":"a.png"}`), nil)
	require.Nil(t, protoErr)
	assert.Equal(t, presence.Identity{ID: "u1", Username: "alice", Avatar: "a.png"}, cmd.Identity)

	_, protoErr = inboundToCommand(inbound(t, proto.InboundTypeJoin, `{"username":"alice"}`), nil)
	require.NotNil(t, protoErr)
	assert.Equal(t, core.ErrCodeBadRequest, protoErr.Code)
}

func TestInboundJoinWithAuthFallsBackToAnnouncedName(t *testing.T) {
	cfg := &auth.JWTConfig{Secret: []byte("s"), TTL: time.Minute}
	token, err := auth.GenerateToken(cfg, "u1", "", "", time.Now())
	require.NoError(t, err)

	raw, err := json.Marshal(proto.JoinData{Username: "alice", Token: token})
	require.NoError(t, err)

	cmd, protoErr := inboundToCommand(proto.Inbound{Type: proto.InboundTypeJoin, Data: raw}, auth.NewService(cfg))
	require.Nil(t, protoErr)
	assert.Equal(t, "u1", cmd.Identity.ID)
	assert.Equal(t, "alice", cmd.Identity.Username)
}

func TestOutboundEventNames(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	msg := &store.Message{ID: "m1", AuthorID: "u1", Kind: store.MessageKindText, Text: "hi", Status: store.MessageStatusRecalled, RecalledAt: &now, CreatedAt: now}

	cases := []struct {
		event *core.Event
		name  string
	}{
		{&core.Event{Kind: core.EventHistory, Messages: []*store.Message{msg}}, "history"},
		{&core.Event{Kind: core.EventMessageCreated, Message: msg}, "message-created"},
		{&core.Event{Kind: core.EventMessageRecalled, MessageID: "m1"}, "message-recalled"},
		{&core.Event{Kind: core.EventMessageEdited, MessageID: "m1", Text: "x"}, "message-edited"},
		{&core.Event{Kind: core.EventMessagePurged, MessageID: "m1"}, "message-purged"},
		{&core.Event{Kind: core.EventPresenceCount, Count: 2}, "presence-count"},
		{&core.Event{Kind: core.EventPresenceList}, "presence-list"},
	}
	for _, tc := range cases {
		out := outboundFromEvent(tc.event)
		assert.Equal(t, proto.OutboundTypeEvent, out.Type)
		assert.Equal(t, tc.name, out.Event)
	}

	created := outboundFromEvent(&core.Event{Kind: core.EventMessageCreated, Message: msg}).Data.(proto.EventMessage)
	assert.Equal(t, now.UnixMilli(), created.TS)
	assert.Equal(t, now.UnixMilli(), created.RecalledAt)
	assert.Equal(t, "recalled", created.Status)

	errOut := outboundFromEvent(&core.Event{Kind: core.EventError, MessageID: "m1", Error: core.ErrNotOwner})
	assert.Equal(t, proto.OutboundTypeError, errOut.Type)
	assert.Equal(t, core.ErrCodeNotOwner, errOut.Error.Code)
	assert.Equal(t, "m1", errOut.Error.MessageID)
}
