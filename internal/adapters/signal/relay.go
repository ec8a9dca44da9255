package signal

import (
	"github.com/dkeye/jamroom/internal/adapters/metrics"
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/dkeye/jamroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

// relayFrame turns an inbound relay event into an envelope plus a function
// that renders the outbound payload once From is known.
func relayFrame(msg protocol.Message) (domain.SignalEnvelope, func(from domain.ConnID) any, error) {
	switch msg.Event {
	case protocol.EventWebRTCSignal:
		var p protocol.WebRTCSignal
		if err := msg.Bind(&p); err != nil {
			return domain.SignalEnvelope{}, nil, err
		}
		switch p.Type {
		case domain.SignalOffer, domain.SignalAnswer, domain.SignalCandidate:
		default:
			return domain.SignalEnvelope{}, nil, errBadSignalType
		}
		env := domain.SignalEnvelope{From: p.From, To: p.To, Type: p.Type, RoomID: p.RoomID, Payload: p.Signal}
		return env, func(from domain.ConnID) any { p.From = from; return p }, nil

	case protocol.EventPingRequest, protocol.EventPingResponse:
		var p protocol.Ping
		if err := msg.Bind(&p); err != nil {
			return domain.SignalEnvelope{}, nil, err
		}
		typ := domain.SignalPing
		if msg.Event == protocol.EventPingResponse {
			typ = domain.SignalPong
		}
		env := domain.SignalEnvelope{From: p.From, To: p.To, Type: typ, RoomID: p.RoomID}
		return env, func(from domain.ConnID) any { p.From = from; return p }, nil

	case protocol.EventRequestReconnect:
		var p protocol.ReconnectRequest
		if err := msg.Bind(&p); err != nil {
			return domain.SignalEnvelope{}, nil, err
		}
		env := domain.SignalEnvelope{To: p.UserID, Type: domain.SignalReconnectRequest, RoomID: p.RoomID}
		return env, func(from domain.ConnID) any { p.UserID = from; return p }, nil

	case protocol.EventConnectionQuality:
		var p protocol.ConnectionQuality
		if err := msg.Bind(&p); err != nil {
			return domain.SignalEnvelope{}, nil, err
		}
		env := domain.SignalEnvelope{To: domain.Broadcast, Type: domain.SignalQuality, RoomID: p.RoomID}
		return env, func(from domain.ConnID) any { p.UserID = from; return p }, nil
	}
	return domain.SignalEnvelope{}, nil, errBadSignalType
}

func (h *Hub) handleRelay(from domain.ConnID, msg protocol.Message) {
	env, render, err := relayFrame(msg)
	if err != nil {
		h.rejectSignal(from, msg.Event, err)
		return
	}
	targets, err := h.relay.Route(from, &env)
	if err != nil {
		h.rejectSignal(from, msg.Event, err)
		return
	}

	frame, err := protocol.Encode(msg.Event, render(env.From))
	if err != nil {
		log.Error().Err(err).Str("module", "signal.relay").Msg("encode")
		return
	}
	for _, to := range targets {
		if h.deliver(to, frame) {
			h.metrics.Relayed.WithLabelValues(string(env.Type)).Inc()
			continue
		}
		// Absent targets are dropped; reliability belongs to the client monitor.
		if _, ok := h.clients[to]; !ok {
			h.metrics.Dropped.WithLabelValues(metrics.DropAbsent).Inc()
			log.Debug().Str("module", "signal.relay").Str("to", string(to)).Str("type", string(env.Type)).Msg("target absent")
		}
	}
}

func (h *Hub) rejectSignal(from domain.ConnID, ev protocol.Event, err error) {
	h.metrics.Dropped.WithLabelValues(metrics.DropRejected).Inc()
	log.Warn().Err(err).Str("module", "signal.relay").Str("conn", string(from)).Str("event", string(ev)).Msg("signal rejected")
	h.send(from, protocol.EventSignalError, protocol.SignalError{Error: err.Error()})
}
