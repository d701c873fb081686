package peer_test

import (
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/softframe/meshcall/internal/peer"
)

// TestPairingConnectsOverVNet drives two real peer connections through a
// virtual network, exchanging descriptions and candidates exactly the way the
// mesh does over signaling, and verifies the data channel carries application
// payloads end to end.
func TestPairingConnectsOverVNet(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	pcA := newVNetPeerConnection(t, netA)
	pcB := newVNetPeerConnection(t, netB)

	// "bob" > "alice", so bob initiates and alice is polite.
	peerA := peer.New("bob", "alice", pcA, peer.Options{})
	t.Cleanup(func() { _ = peerA.Close() })
	peerB := peer.New("alice", "bob", pcB, peer.Options{})
	t.Cleanup(func() { _ = peerB.Close() })

	wire(t, peerA, peerB)
	wire(t, peerB, peerA)

	connectedA := waitFor(peerA, peer.EventStateChange, func(ev peer.Event) bool {
		return ev.State == peer.StateConnected
	})
	connectedB := waitFor(peerB, peer.EventStateChange, func(ev peer.Event) bool {
		return ev.State == peer.StateConnected
	})
	openA := waitFor(peerA, peer.EventDataOpen, func(peer.Event) bool { return true })

	gotMsg := make(chan []byte, 1)
	peerB.On(peer.EventDataMessage, func(ev peer.Event) {
		select {
		case gotMsg <- append([]byte(nil), ev.Data...):
		default:
		}
	})

	if err := peerA.OpenDataChannel(); err != nil {
		t.Fatalf("open data channel: %v", err)
	}

	for name, ch := range map[string]<-chan struct{}{
		"peer A connected":  connectedA,
		"peer B connected":  connectedB,
		"data channel open": openA,
	} {
		select {
		case <-ch:
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for %s", name)
		}
	}

	if err := peerA.SendData([]byte(`{"chat":"hello"}`)); err != nil {
		t.Fatalf("send data: %v", err)
	}
	select {
	case msg := <-gotMsg:
		if string(msg) != `{"chat":"hello"}` {
			t.Fatalf("payload = %q", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for data message")
	}
}

// wire delivers src's outbound descriptions and candidates to dst, playing
// the role of the signaling channel.
func wire(t *testing.T, src, dst *peer.Peer) {
	t.Helper()
	src.On(peer.EventLocalDescription, func(ev peer.Event) {
		var err error
		switch ev.Description.Type {
		case webrtc.SDPTypeOffer:
			err = dst.HandleOffer(*ev.Description)
		case webrtc.SDPTypeAnswer:
			err = dst.HandleAnswer(*ev.Description)
		}
		if err != nil {
			t.Errorf("deliver %s: %v", ev.Description.Type, err)
		}
	})
	src.On(peer.EventLocalCandidate, func(ev peer.Event) {
		if err := dst.HandleCandidate(*ev.Candidate); err != nil {
			t.Errorf("deliver candidate: %v", err)
		}
	})
}

func waitFor(p *peer.Peer, typ peer.EventType, match func(peer.Event) bool) <-chan struct{} {
	done := make(chan struct{})
	var closed bool
	p.On(typ, func(ev peer.Event) {
		if closed || !match(ev) {
			return
		}
		closed = true
		close(done)
	})
	return done
}

func newVNetPeerConnection(t *testing.T, n *vnet.Net) *webrtc.PeerConnection {
	t.Helper()

	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("register codecs: %v", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}
