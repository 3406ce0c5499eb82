package rtc

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the websocket signaling frame.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye",
// "error".
type signalMessage struct {
	Type     string `json:"type"`
	Password string `json:"password,omitempty"`
	SDP      string `json:"sdp,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// signalWriter serializes frames onto the signaling socket. Gorilla
// connections permit one concurrent writer; pion's ICE callbacks fire from
// their own goroutine.
type signalWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *signalWriter) send(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// interview links are tokenized elsewhere; origin is not the gate
		return true
	},
}

// ServeWebSocket upgrades the request and performs offer/answer plus trickle
// ICE signaling, then attaches the full interview session to the resulting
// peer connection.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, iceServersJSON string, authPassword string) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()
	out := &signalWriter{conn: conn}

	if authPassword != "" && !authorized(r, authPassword) {
		if !awaitAuthFrame(conn, authPassword) {
			writeSignalError(out, errors.New("unauthorized"))
			return
		}
	}

	offerSDP, ok := awaitOffer(conn)
	if !ok {
		return
	}

	pc, outTrack, err := newPeerConnection(iceServersJSON)
	if err != nil {
		writeSignalError(out, err)
		return
	}
	defer func() { _ = pc.Close() }()

	sessionID := uuid.NewString()
	h.attach(sessionID, pc, outTrack)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = out.send(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = out.send(signalMessage{
			Type:          "candidate",
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	// remote trickle candidates keep arriving after the answer
	go func() {
		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			var m signalMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				_ = pc.AddICECandidate(webrtc.ICECandidateInit{
					Candidate:     m.Candidate,
					SDPMid:        m.SDPMid,
					SDPMLineIndex: m.SDPMLineIndex,
				})
			case "bye":
				_ = pc.Close()
				return
			}
		}
	}()

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		writeSignalError(out, err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		writeSignalError(out, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		writeSignalError(out, err)
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		writeSignalError(out, errors.New("no local description"))
		return
	}
	if err := out.send(signalMessage{Type: "answer", SDP: local.SDP}); err != nil {
		log.Printf("[%s] ws write answer error: %v", sessionID, err)
		return
	}

	// hold the goroutine until the peer connection winds down
	for {
		time.Sleep(2 * time.Second)
		state := pc.ConnectionState()
		if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			return
		}
	}
}

// authorized checks bearer token, X-Auth-Token header, or password query.
func authorized(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

// awaitAuthFrame accepts a first-frame auth message as a fallback for
// clients that cannot set headers.
func awaitAuthFrame(conn *websocket.Conn, password string) bool {
	mt, data, err := conn.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		return false
	}
	var m signalMessage
	if json.Unmarshal(data, &m) != nil {
		return false
	}
	return strings.ToLower(m.Type) == "auth" && m.Password == password
}

// awaitOffer reads frames until an offer or bye arrives.
func awaitOffer(conn *websocket.Conn) (string, bool) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("ws read error before offer: %v", err)
			return "", false
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				return m.SDP, true
			}
		case "bye":
			return "", false
		}
	}
}

func writeSignalError(out *signalWriter, err error) {
	_ = out.send(map[string]string{"type": "error", "error": err.Error()})
}
