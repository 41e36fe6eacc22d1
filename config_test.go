package docmesh

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadConfigDefaults(t *testing.T) {
	config := LoadConfig()
	assert.Equal(t, config.Addr, ":8577")
	assert.Equal(t, config.HeartbeatTimeout, 10*time.Second)
	assert.Equal(t, config.StorageWaitTimeout, 10*time.Second)
	assert.Equal(t, config.EphemeralTtl, 30*time.Second)
	assert.Equal(t, len(config.PeerUrls), 0)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("DOCMESH_ADDR", ":9000")
	t.Setenv("DOCMESH_PEER_URLS", "ws://a/ws,ws://b/ws,")
	t.Setenv("DOCMESH_STORAGE_WAIT_SECONDS", "3")
	t.Setenv("DOCMESH_HEARTBEAT_SECONDS", "not a number")

	config := LoadConfig()
	assert.Equal(t, config.Addr, ":9000")
	assert.Equal(t, config.PeerUrls, []string{"ws://a/ws", "ws://b/ws"})
	assert.Equal(t, config.StorageWaitTimeout, 3*time.Second)
	// bad values fall back to the default
	assert.Equal(t, config.HeartbeatTimeout, 10*time.Second)
}
