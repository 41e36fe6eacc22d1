package docmesh

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

// note that each physical websocket connection is its own channel. a
// reconnect is channel-removed followed by channel-added with a new id;
// the peer record survives because the handshake carries the same peer id.

type WsTransportSettings struct {
	WsHandshakeTimeout  time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout:  2 * time.Second,
		ReconnectMinTimeout: 500 * time.Millisecond,
		ReconnectMaxTimeout: 30 * time.Second,
		PingTimeout:         1 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
	}
}

// optional bearer attached to the dial. used for transport level tagging
// only; peer identity is always learned from the establish handshake
type PeerAuth struct {
	ByJwt string
}

// WsTransport dials a remote coordinator and keeps the connection alive
// with exponential reconnect backoff.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	coordinator *Coordinator
	url         string
	auth        *PeerAuth

	settings *WsTransportSettings
}

func NewWsTransportWithDefaults(
	ctx context.Context,
	coordinator *Coordinator,
	url string,
) *WsTransport {
	return NewWsTransport(ctx, coordinator, url, nil, DefaultWsTransportSettings())
}

func NewWsTransport(
	ctx context.Context,
	coordinator *Coordinator,
	url string,
	auth *PeerAuth,
	settings *WsTransportSettings,
) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsTransport{
		ctx:         cancelCtx,
		cancel:      cancel,
		coordinator: coordinator,
		url:         url,
		auth:        auth,
		settings:    settings,
	}
	go transport.run()
	return transport
}

func (self *WsTransport) run() {
	defer self.cancel()

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = self.settings.ReconnectMinTimeout
	backOff.MaxInterval = self.settings.ReconnectMaxTimeout
	backOff.MaxElapsedTime = 0

	for {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		header := http.Header{}
		if self.auth != nil && self.auth.ByJwt != "" {
			header.Set("Authorization", "Bearer "+self.auth.ByJwt)
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, header)
		if err != nil {
			glog.Infof("[t]dial error %s = %s\n", self.url, err)
		} else {
			backOff.Reset()
			if glog.V(2) {
				Trace("[t]run "+self.url, func() {
					runWsConduit(self.ctx, self.coordinator, ws, self.settings)
				})
			} else {
				runWsConduit(self.ctx, self.coordinator, ws, self.settings)
			}
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(backOff.NextBackOff()):
		}
	}
}

func (self *WsTransport) Close() {
	self.cancel()
}

// WsHandlerSettings configures the server side acceptor.
type WsHandler struct {
	ctx         context.Context
	coordinator *Coordinator
	settings    *WsTransportSettings
	upgrader    *websocket.Upgrader
}

func NewWsHandlerWithDefaults(ctx context.Context, coordinator *Coordinator) *WsHandler {
	return NewWsHandler(ctx, coordinator, DefaultWsTransportSettings())
}

func NewWsHandler(ctx context.Context, coordinator *Coordinator, settings *WsTransportSettings) *WsHandler {
	return &WsHandler{
		ctx:         ctx,
		coordinator: coordinator,
		settings:    settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *WsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// the bearer is transport tagging only. it must never shortcut the
	// establish handshake
	if authorization := r.Header.Get("Authorization"); strings.HasPrefix(authorization, "Bearer ") {
		if claims, err := ParsePeerJwtUnverified(strings.TrimPrefix(authorization, "Bearer ")); err == nil {
			glog.V(2).Infof("[t]accept peer=%s name=%s\n", claims.PeerId, claims.Name)
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[t]upgrade error = %s\n", err)
		return
	}
	runWsConduit(self.ctx, self.coordinator, ws, self.settings)
}

// attaches the websocket as a network channel and pumps frames until the
// connection dies. blocks.
func runWsConduit(
	ctx context.Context,
	coordinator *Coordinator,
	ws *websocket.Conn,
	settings *WsTransportSettings,
) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	conduit := &wsConduit{
		cancel: handleCancel,
		send:   make(chan []byte, TransportBufferSize),
	}
	// callbacks are set inside AddChannel before the pumps start
	coordinator.AddChannel(conduit, ChannelKindNetwork)
	defer conduit.fireRemoved()

	// send
	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case frameBytes, ok := <-conduit.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[t]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[t]->\n")
			case <-time.After(settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	// receive
	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
			messageType, frameBytes, err := ws.ReadMessage()
			if err != nil {
				glog.V(2).Infof("[t]<- error = %s\n", err)
				return
			}
			switch messageType {
			case websocket.BinaryMessage, websocket.TextMessage:
				if len(frameBytes) == 0 {
					// ping
					continue
				}
				conduit.receive(frameBytes)
			default:
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

type wsConduit struct {
	cancel context.CancelFunc

	send chan []byte

	mutex           sync.Mutex
	receiveCallback ReceiveFunction
	removedCallback RemovedFunction

	removedOnce sync.Once
}

func (self *wsConduit) Send(frameBytes []byte) {
	select {
	case self.send <- frameBytes:
	default:
		// backpressure. drop and let the protocol self-heal
		glog.Infof("[t]drop send, buffer full\n")
	}
}

func (self *wsConduit) SetReceiveCallback(receiveCallback ReceiveFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.receiveCallback = receiveCallback
}

func (self *wsConduit) SetRemovedCallback(removedCallback RemovedFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.removedCallback = removedCallback
}

func (self *wsConduit) receive(frameBytes []byte) {
	self.mutex.Lock()
	receiveCallback := self.receiveCallback
	self.mutex.Unlock()
	if receiveCallback != nil {
		HandleError(func() {
			receiveCallback(frameBytes)
		})
	}
}

func (self *wsConduit) fireRemoved() {
	self.removedOnce.Do(func() {
		self.mutex.Lock()
		removedCallback := self.removedCallback
		self.mutex.Unlock()
		if removedCallback != nil {
			HandleError(removedCallback)
		}
	})
}

func (self *wsConduit) Close() {
	self.cancel()
}
