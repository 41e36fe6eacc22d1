package docmesh

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// PeerClaims are the transport level claims a dialing peer may attach.
// Used for logging and monitoring only; the establish handshake remains
// the sole source of peer identity.
type PeerClaims struct {
	PeerId Id
	Name   string
}

func ParsePeerJwtUnverified(jwt string) (*PeerClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	peerClaims := &PeerClaims{}
	if peerIdStr, ok := claims["peer_id"].(string); ok {
		if peerId, err := ParseId(peerIdStr); err == nil {
			peerClaims.PeerId = peerId
		}
	}
	if name, ok := claims["name"].(string); ok {
		peerClaims.Name = name
	}
	return peerClaims, nil
}
