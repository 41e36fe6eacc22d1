package docmesh

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func TestWsTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timeout := 15 * time.Second

	serverCoordinator := NewCoordinator(ctx, NewId(), testCoordinatorSettings())
	defer serverCoordinator.Close()
	clientCoordinator := NewCoordinator(ctx, NewId(), testCoordinatorSettings())
	defer clientCoordinator.Close()

	server := httptest.NewServer(NewWsHandlerWithDefaults(ctx, serverCoordinator))
	defer server.Close()
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")

	transport := NewWsTransportWithDefaults(ctx, clientCoordinator, wsUrl)
	defer transport.Close()

	// the establish handshake runs over the socket in both directions
	established := waitUntil(timeout, func() bool {
		for _, channel := range clientCoordinator.Model().Channels {
			if channel.State == ChannelStateEstablished && channel.PeerId == serverCoordinator.LocalPeerId() {
				return true
			}
		}
		return false
	})
	assert.Equal(t, established, true)

	repoServer := NewRepo(serverCoordinator)
	repoClient := NewRepo(clientCoordinator)

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	handleServer, err := repoServer.GetOrCreateDoc(waitCtx, "doc-1")
	assert.Equal(t, err, nil)
	handleClient, err := repoClient.GetOrCreateDoc(waitCtx, "doc-1")
	assert.Equal(t, err, nil)

	docServer := handleServer.Document().(*MapDoc)
	docClient := handleClient.Document().(*MapDoc)

	err = docServer.Set("title", "over the wire")
	assert.Equal(t, err, nil)
	converged := waitUntil(timeout, func() bool {
		title, ok := docClient.GetString("title")
		return ok && title == "over the wire"
	})
	assert.Equal(t, converged, true)

	err = docClient.Set("owner", "client")
	assert.Equal(t, err, nil)
	converged = waitUntil(timeout, func() bool {
		owner, ok := docServer.GetString("owner")
		return ok && owner == "client"
	})
	assert.Equal(t, converged, true)
}

func TestWsTransportReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timeout := 15 * time.Second

	serverCoordinator := NewCoordinator(ctx, NewId(), testCoordinatorSettings())
	defer serverCoordinator.Close()
	clientCoordinator := NewCoordinator(ctx, NewId(), testCoordinatorSettings())
	defer clientCoordinator.Close()

	server := httptest.NewServer(NewWsHandlerWithDefaults(ctx, serverCoordinator))
	defer server.Close()
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")

	settings := DefaultWsTransportSettings()
	settings.ReconnectMinTimeout = 50 * time.Millisecond
	settings.ReconnectMaxTimeout = 200 * time.Millisecond
	transport := NewWsTransport(ctx, clientCoordinator, wsUrl, nil, settings)
	defer transport.Close()

	establishedChannel := func() *Channel {
		for _, channel := range clientCoordinator.Model().Channels {
			if channel.State == ChannelStateEstablished {
				return channel
			}
		}
		return nil
	}

	established := waitUntil(timeout, func() bool {
		return establishedChannel() != nil
	})
	assert.Equal(t, established, true)
	firstChannelId := establishedChannel().ChannelId

	// kill the live connection. the client reconnects with a new channel,
	// and the peer identity is re-learned over the handshake
	server.CloseClientConnections()

	reconnected := waitUntil(timeout, func() bool {
		channel := establishedChannel()
		return channel != nil && channel.ChannelId != firstChannelId
	})
	assert.Equal(t, reconnected, true)
	assert.Equal(t, establishedChannel().PeerId, serverCoordinator.LocalPeerId())
}

func TestPeerJwtClaims(t *testing.T) {
	// the bearer is only transport tagging, so the parse is unverified and
	// the signing key does not matter
	peerId := NewId()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"peer_id": peerId.String(),
		"name":    "tester",
	})
	byJwt, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	claims, err := ParsePeerJwtUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.PeerId, peerId)
	assert.Equal(t, claims.Name, "tester")

	_, err = ParsePeerJwtUnverified("not a jwt")
	assert.NotEqual(t, err, nil)
}
