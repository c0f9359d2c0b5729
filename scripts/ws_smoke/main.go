package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/recallchat/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	id := flag.String("id", "smoke", "user id to announce on join")
	user := flag.String("user", "tester", "username to announce on join")
	token := flag.String("token", "", "identity token, when the server requires one")
	text := flag.String("text", "hello from smoke test", "message text to send")
	edited := flag.String("edited", "hello again", "replacement text sent after the recall")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	send := func(kind string, data any) error {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", kind, err)
		}
		if err := wsjson.Write(ctx, conn, proto.Inbound{Type: kind, Data: payload}); err != nil {
			return fmt.Errorf("send %s: %w", kind, err)
		}
		return nil
	}

	// await reads frames until event arrives, decoding its payload into out.
	await := func(event string, out any) error {
		for {
			var outbound proto.Outbound
			if err := wsjson.Read(ctx, conn, &outbound); err != nil {
				return fmt.Errorf("read: %w", err)
			}
			if outbound.Error != nil {
				return fmt.Errorf("server error %s: %s", outbound.Error.Code, outbound.Error.Msg)
			}
			fmt.Printf("<- %s %s\n", outbound.Type, outbound.Event)
			if outbound.Event != event {
				continue
			}
			raw, err := json.Marshal(outbound.Data)
			if err != nil {
				return fmt.Errorf("marshal outbound data: %w", err)
			}
			return json.Unmarshal(raw, out)
		}
	}

	var history proto.EventHistory
	if err := await("history", &history); err != nil {
		return err
	}
	fmt.Printf("history: %d message(s)\n", len(history.Messages))

	join := proto.JoinData{ID: *id, Username: *user, Token: *token, Protocol: proto.ProtocolVersion}
	if err := send(proto.InboundTypeJoin, join); err != nil {
		return err
	}
	var online proto.EventPresenceList
	if err := await("presence-list", &online); err != nil {
		return err
	}
	fmt.Printf("online: %d user(s)\n", len(online.Users))

	if err := send(proto.InboundTypeSend, proto.SendData{Text: *text}); err != nil {
		return err
	}
	var created proto.EventMessage
	for created.AuthorID != *id || created.Text != *text {
		if err := await("message-created", &created); err != nil {
			return err
		}
	}
	fmt.Printf("created: id=%s text=%q ts=%d\n", created.ID, created.Text, created.TS)

	if err := send(proto.InboundTypeRecall, proto.RecallData{MessageID: created.ID}); err != nil {
		return err
	}
	var recalled proto.EventMessageRef
	if err := await("message-recalled", &recalled); err != nil {
		return err
	}
	fmt.Printf("recalled: id=%s\n", recalled.MessageID)

	if err := send(proto.InboundTypeEdit, proto.EditData{MessageID: created.ID, Text: *edited}); err != nil {
		return err
	}
	var edit proto.EventMessageRef
	if err := await("message-edited", &edit); err != nil {
		return err
	}
	fmt.Printf("edited: id=%s text=%q\n", edit.MessageID, edit.Text)
	return nil
}
