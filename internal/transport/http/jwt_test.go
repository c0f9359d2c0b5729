package http

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/recallchat/internal/config"
	"github.com/vovakirdan/recallchat/internal/core"
	"github.com/vovakirdan/recallchat/internal/proto"
)

func makeJWT(t *testing.T, secret, aud, iss, sub, name string, ttl time.Duration) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if aud != "" {
		claims["aud"] = aud
	}
	if iss != "" {
		claims["iss"] = iss
	}
	if name != "" {
		claims["name"] = name
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func jwtServer(t *testing.T) *testServer {
	return startTestServer(t, func(cfg *config.Config) {
		cfg.JWTSecret = "testsecret"
		cfg.JWTIssuer = "issuer"
		cfg.JWTAudience = "chat"
	})
}

func TestWebSocketJWTSuccess(t *testing.T) {
	s := jwtServer(t)
	conn := s.dial(t)

	token := makeJWT(t, "testsecret", "chat", "issuer", "user1", "Alice", time.Minute)
	// The announced id is ignored in favour of the token subject.
	conn.send(proto.InboundTypeJoin, proto.JoinData{ID: "someone-else", Token: token})

	list := decodeData[proto.EventPresenceList](t, conn.expectEvent("presence-list"))
	require.Len(t, list.Users, 1)
	assert.Equal(t, "user1", list.Users[0].ID)
	assert.Equal(t, "Alice", list.Users[0].Username)

	conn.send(proto.InboundTypeSend, proto.SendData{Text: "hi"})
	created := decodeData[proto.EventMessage](t, conn.expectEvent("message-created"))
	assert.Equal(t, "user1", created.AuthorID)
}

func TestWebSocketJWTInvalid(t *testing.T) {
	s := jwtServer(t)

	cases := map[string]proto.JoinData{
		"missing token": {ID: "user1"},
		"garbage":       {Token: "invalid"},
		"wrong secret":  {Token: makeJWT(t, "other", "chat", "issuer", "user1", "", time.Minute)},
		"wrong aud":     {Token: makeJWT(t, "testsecret", "elsewhere", "issuer", "user1", "", time.Minute)},
		"expired":       {Token: makeJWT(t, "testsecret", "chat", "issuer", "user1", "", -time.Minute)},
	}
	for name, join := range cases {
		t.Run(name, func(t *testing.T) {
			conn := s.dial(t)
			conn.send(proto.InboundTypeJoin, join)
			assert.Equal(t, core.ErrCodeUnauthorized, conn.expectError().Code)
		})
	}
	assert.Zero(t, s.hub.Presence().ConnectionCount())
}
