package protocol

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/blang/semver/v4"

	"github.com/wagiedev/stdioplugin-go/internal/errors"
	"github.com/wagiedev/stdioplugin-go/internal/message"
)

// symmetricHandshake negotiates a protocol version.
//
// Both ends run the same code at the same time: each sends its own
// HandshakeRequest as a client and answers the peer's HandshakeRequest as a
// server. The handshake completes only when both halves have resolved.
type symmetricHandshake struct {
	log                    *slog.Logger
	dispatcher             *Dispatcher
	sender                 MessageSender
	protocolVersion        semver.Version
	minimumProtocolVersion semver.Version

	responseOnce sync.Once
	responseSent chan struct{}
}

func newSymmetricHandshake(
	log *slog.Logger,
	dispatcher *Dispatcher,
	sender MessageSender,
	protocolVersion semver.Version,
	minimumProtocolVersion semver.Version,
) *symmetricHandshake {
	return &symmetricHandshake{
		log:                    log.With("component", "handshake"),
		dispatcher:             dispatcher,
		sender:                 sender,
		protocolVersion:        protocolVersion,
		minimumProtocolVersion: minimumProtocolVersion,
		responseSent:           make(chan struct{}),
	}
}

// HandleRequest answers the peer's HandshakeRequest.
func (h *symmetricHandshake) HandleRequest(ctx context.Context, req *message.Message, responder Responder) error {
	defer h.responseOnce.Do(func() { close(h.responseSent) })

	resp := h.negotiate(req)

	h.log.Debug("Answering handshake", "request_id", req.RequestID(), "response_code", resp.ResponseCode)

	return responder.SendResponse(ctx, resp)
}

// negotiate picks min(ours, theirs) when the two version ranges overlap.
func (h *symmetricHandshake) negotiate(req *message.Message) *message.HandshakeResponse {
	rejected := &message.HandshakeResponse{ResponseCode: message.ResponseCodeError}

	peer, err := message.DecodePayload[message.HandshakeRequest](req)
	if err != nil || peer == nil {
		h.log.Warn("Rejecting invalid handshake request", "request_id", req.RequestID(), "error", err)

		return rejected
	}

	if peer.MinimumProtocolVersion.GT(peer.ProtocolVersion) ||
		peer.ProtocolVersion.LT(h.minimumProtocolVersion) ||
		peer.MinimumProtocolVersion.GT(h.protocolVersion) {
		h.log.Info("No compatible protocol version",
			"local_min", h.minimumProtocolVersion.String(),
			"local_max", h.protocolVersion.String(),
			"peer_min", peer.MinimumProtocolVersion.String(),
			"peer_max", peer.ProtocolVersion.String(),
		)

		return rejected
	}

	negotiated := h.protocolVersion
	if peer.ProtocolVersion.LT(negotiated) {
		negotiated = peer.ProtocolVersion
	}

	return &message.HandshakeResponse{
		ResponseCode:    message.ResponseCodeSuccess,
		ProtocolVersion: &negotiated,
	}
}

// run performs the client half and waits for the server half.
//
// ctx should already carry the handshake timeout, with cause
// errors.ErrRequestTimeout. caller is the context supplied by the user, used
// to tell cancellation apart from expiry.
func (h *symmetricHandshake) run(ctx, caller context.Context) (semver.Version, error) {
	req, err := message.NewHandshakeRequest(h.protocolVersion, h.minimumProtocolVersion)
	if err != nil {
		return semver.Version{}, &errors.HandshakeFailedError{Reason: "invalid local version range", Err: err}
	}

	resp, err := Request[message.HandshakeResponse](ctx, h.dispatcher, h.sender, message.MethodHandshake, req, RequestOptions{})
	if err != nil {
		return semver.Version{}, h.failure(caller, "handshake request failed", err)
	}

	negotiated, ok := h.accept(resp)

	// The peer must have our answer before either side moves on.
	select {
	case <-h.responseSent:
	case <-ctx.Done():
		return semver.Version{}, h.failure(caller, "peer never sent its handshake request", context.Cause(ctx))
	}

	if !ok {
		return semver.Version{}, &errors.HandshakeFailedError{Reason: "no compatible protocol version"}
	}

	h.log.Info("Handshake complete", "protocol_version", negotiated.String())

	return negotiated, nil
}

// accept checks the peer's answer against the local range.
func (h *symmetricHandshake) accept(resp *message.HandshakeResponse) (semver.Version, bool) {
	if resp == nil || resp.ResponseCode != message.ResponseCodeSuccess || resp.ProtocolVersion == nil {
		return semver.Version{}, false
	}

	v := *resp.ProtocolVersion
	if v.LT(h.minimumProtocolVersion) || v.GT(h.protocolVersion) {
		h.log.Warn("Peer negotiated a version outside the local range", "protocol_version", v.String())

		return semver.Version{}, false
	}

	return v, true
}

func (h *symmetricHandshake) failure(caller context.Context, reason string, err error) error {
	if caller.Err() != nil {
		return errors.Cancelled(context.Cause(caller))
	}

	if stderrors.Is(err, errors.ErrRequestTimeout) {
		reason = "timed out: " + reason
	}

	return &errors.HandshakeFailedError{Reason: reason, Err: err}
}
