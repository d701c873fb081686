package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/softframe/meshcall/internal/metrics"
)

// Handler processes one inbound envelope. Handlers run on the transport's
// receive goroutine; they must not block.
type Handler func(Envelope)

// Adapter is the room-scoped signaling channel used by the mesh coordinator.
//
// Exactly one handler is registered per message type; re-registration
// replaces the previous handler. The adapter performs no automatic
// reconnection; transport disruption is surfaced through the connection
// state observer and retry policy belongs to the caller.
type Adapter struct {
	selfID     string
	maxPayload int64
	log        *slog.Logger
	metrics    *metrics.Metrics

	mu        sync.Mutex
	transport Transport
	roomID    string
	connected bool
	handlers  map[MessageType]Handler
	stateFn   func(error)
}

// AdapterOptions configures an Adapter. Zero values fall back to defaults.
type AdapterOptions struct {
	// MaxPayloadBytes is the transport payload ceiling. Encoded envelopes
	// larger than this are replaced with a signal-fallback message.
	MaxPayloadBytes int64
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

const defaultMaxPayloadBytes = int64(64 * 1024)

func NewAdapter(selfID string, transport Transport, opts AdapterOptions) *Adapter {
	maxPayload := opts.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayloadBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{
		selfID:     selfID,
		maxPayload: maxPayload,
		log:        logger,
		metrics:    opts.Metrics,
		transport:  transport,
		handlers:   make(map[MessageType]Handler),
	}
}

// Connect subscribes to roomID. Re-invoking while already subscribed to the
// same room reuses the existing subscription.
func (a *Adapter) Connect(ctx context.Context, roomID string) error {
	a.mu.Lock()
	if a.connected {
		current := a.roomID
		a.mu.Unlock()
		if current != roomID {
			return fmt.Errorf("signaling: already connected to room %q", current)
		}
		return nil
	}
	transport := a.transport
	a.mu.Unlock()

	if err := transport.Connect(ctx, roomID, a.selfID, a.dispatch, a.observeState); err != nil {
		return err
	}

	a.mu.Lock()
	a.connected = true
	a.roomID = roomID
	a.mu.Unlock()
	return nil
}

// Send serializes payload and delivers it to the room (or to targetUserID
// when non-empty). When the encoded envelope exceeds the transport ceiling a
// signal-fallback message is sent in its place and ErrOversizedPayload is
// returned so the caller can continue over the peer's data channel.
func (a *Adapter) Send(t MessageType, payload any, targetUserID string) error {
	a.mu.Lock()
	connected := a.connected
	transport := a.transport
	a.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	env := Envelope{Type: t, FromUserID: a.selfID, TargetUserID: targetUserID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("signaling: encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signaling: encode %s envelope: %w", t, err)
	}

	if int64(len(encoded)) > a.maxPayload {
		a.metrics.Inc(metrics.SignalDroppedOversized)
		a.log.Warn("signal_oversized", "type", string(t), "bytes", len(encoded), "ceiling", a.maxPayload)

		raw, err := json.Marshal(FallbackPayload{OriginalType: t})
		if err != nil {
			return fmt.Errorf("signaling: encode fallback payload: %w", err)
		}
		fb := Envelope{
			Type:         TypeSignalFallback,
			FromUserID:   a.selfID,
			TargetUserID: targetUserID,
			Payload:      raw,
		}
		if err := transport.Send(fb); err != nil {
			return err
		}
		a.metrics.Inc(metrics.SignalFallbacksSent)
		return ErrOversizedPayload
	}

	if err := transport.Send(env); err != nil {
		return err
	}
	a.metrics.Inc(metrics.SignalMessagesOut)
	return nil
}

// On registers the handler for t. Registration is last-wins: a second call
// for the same type replaces the first rather than stacking.
func (a *Adapter) On(t MessageType, h Handler) {
	a.mu.Lock()
	if h == nil {
		delete(a.handlers, t)
	} else {
		a.handlers[t] = h
	}
	a.mu.Unlock()
}

// OnConnectionState registers the observer invoked when the underlying
// transport is disrupted. Last registration wins.
func (a *Adapter) OnConnectionState(fn func(error)) {
	a.mu.Lock()
	a.stateFn = fn
	a.mu.Unlock()
}

func (a *Adapter) dispatch(env Envelope) {
	if env.FromUserID == a.selfID {
		return
	}
	if env.TargetUserID != "" && env.TargetUserID != a.selfID {
		return
	}

	a.mu.Lock()
	h := a.handlers[env.Type]
	a.mu.Unlock()
	if h == nil {
		a.log.Debug("signal_unhandled", "type", string(env.Type), "from", env.FromUserID)
		return
	}
	a.metrics.Inc(metrics.SignalMessagesIn)
	h(env)
}

func (a *Adapter) observeState(err error) {
	a.mu.Lock()
	a.connected = false
	fn := a.stateFn
	a.mu.Unlock()

	a.log.Warn("signal_transport_disrupted", "err", err)
	if fn != nil {
		fn(err)
	}
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	a.connected = false
	transport := a.transport
	a.mu.Unlock()
	return transport.Close()
}
