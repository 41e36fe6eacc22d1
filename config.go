package docmesh

import (
	"os"
	"strconv"
	"time"
)

// Config is the environment driven configuration for the daemon. Flags
// take precedence where the cli sets them.
type Config struct {
	Addr        string
	BboltPath   string
	RedisUrl    string
	DatabaseUrl string
	// remote coordinators to dial
	PeerUrls []string
	ByJwt    string

	HeartbeatTimeout   time.Duration
	StorageWaitTimeout time.Duration
	EphemeralTtl       time.Duration
}

func LoadConfig() Config {
	return Config{
		Addr:               getenv("DOCMESH_ADDR", ":8577"),
		BboltPath:          getenv("DOCMESH_BBOLT_PATH", ""),
		RedisUrl:           getenv("DOCMESH_REDIS_URL", ""),
		DatabaseUrl:        getenv("DOCMESH_DATABASE_URL", ""),
		PeerUrls:           splitNonEmpty(getenv("DOCMESH_PEER_URLS", "")),
		ByJwt:              getenv("DOCMESH_JWT", ""),
		HeartbeatTimeout:   time.Duration(getenvInt("DOCMESH_HEARTBEAT_SECONDS", 10)) * time.Second,
		StorageWaitTimeout: time.Duration(getenvInt("DOCMESH_STORAGE_WAIT_SECONDS", 10)) * time.Second,
		EphemeralTtl:       time.Duration(getenvInt("DOCMESH_EPHEMERAL_TTL_SECONDS", 30)) * time.Second,
	}
}

func getenv(key string, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitNonEmpty(value string) []string {
	parts := []string{}
	start := 0
	for i := 0; i <= len(value); i += 1 {
		if i == len(value) || value[i] == ',' {
			if start < i {
				parts = append(parts, value[start:i])
			}
			start = i + 1
		}
	}
	return parts
}
