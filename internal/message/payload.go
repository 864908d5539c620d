package message

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"

	"github.com/blang/semver/v4"
)

// ResponseCode reports the outcome of an operation.
type ResponseCode string

const (
	// ResponseCodeSuccess indicates the operation succeeded.
	ResponseCodeSuccess ResponseCode = "Success"
	// ResponseCodeError indicates the operation failed.
	ResponseCodeError ResponseCode = "Error"
	// ResponseCodeNotFound indicates the requested resource does not exist.
	ResponseCodeNotFound ResponseCode = "NotFound"
)

// Valid reports whether c is a recognized response code.
func (c ResponseCode) Valid() bool {
	switch c {
	case ResponseCodeSuccess, ResponseCodeError, ResponseCodeNotFound:
		return true
	default:
		return false
	}
}

// HandshakeRequest advertises the sender's supported protocol version range.
type HandshakeRequest struct {
	ProtocolVersion        semver.Version
	MinimumProtocolVersion semver.Version
}

type wireHandshakeRequest struct {
	ProtocolVersion        *semver.Version `json:"ProtocolVersion,omitempty"`
	MinimumProtocolVersion *semver.Version `json:"MinimumProtocolVersion,omitempty"`
}

// NewHandshakeRequest creates a validated handshake request.
func NewHandshakeRequest(protocolVersion, minimumProtocolVersion semver.Version) (*HandshakeRequest, error) {
	req := &HandshakeRequest{
		ProtocolVersion:        protocolVersion,
		MinimumProtocolVersion: minimumProtocolVersion,
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

// Validate checks MinimumProtocolVersion <= ProtocolVersion.
func (r *HandshakeRequest) Validate() error {
	if r.MinimumProtocolVersion.GT(r.ProtocolVersion) {
		return fmt.Errorf("minimum protocol version %s exceeds protocol version %s",
			r.MinimumProtocolVersion, r.ProtocolVersion)
	}

	return nil
}

// MarshalJSON implements json.Marshaler.
func (r HandshakeRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireHandshakeRequest{
		ProtocolVersion:        &r.ProtocolVersion,
		MinimumProtocolVersion: &r.MinimumProtocolVersion,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Both versions are required.
func (r *HandshakeRequest) UnmarshalJSON(data []byte) error {
	var wire wireHandshakeRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	if wire.ProtocolVersion == nil {
		return stderrors.New("missing required field ProtocolVersion")
	}

	if wire.MinimumProtocolVersion == nil {
		return stderrors.New("missing required field MinimumProtocolVersion")
	}

	r.ProtocolVersion = *wire.ProtocolVersion
	r.MinimumProtocolVersion = *wire.MinimumProtocolVersion

	return nil
}

// HandshakeResponse answers a HandshakeRequest.
//
// ProtocolVersion is set if and only if ResponseCode is Success.
type HandshakeResponse struct {
	ResponseCode    ResponseCode
	ProtocolVersion *semver.Version
}

type wireHandshakeResponse struct {
	ResponseCode    ResponseCode    `json:"ResponseCode,omitempty"`
	ProtocolVersion *semver.Version `json:"ProtocolVersion,omitempty"`
}

// NewHandshakeResponse creates a validated handshake response.
func NewHandshakeResponse(code ResponseCode, protocolVersion *semver.Version) (*HandshakeResponse, error) {
	resp := &HandshakeResponse{ResponseCode: code, ProtocolVersion: protocolVersion}

	if err := resp.Validate(); err != nil {
		return nil, err
	}

	return resp, nil
}

// Validate checks the response code and the presence rule for ProtocolVersion.
func (r *HandshakeResponse) Validate() error {
	switch r.ResponseCode {
	case ResponseCodeSuccess:
		if r.ProtocolVersion == nil {
			return stderrors.New("successful handshake response requires ProtocolVersion")
		}
	case ResponseCodeError:
		if r.ProtocolVersion != nil {
			return stderrors.New("failed handshake response must not carry ProtocolVersion")
		}
	default:
		return fmt.Errorf("invalid handshake response code %q", r.ResponseCode)
	}

	return nil
}

// MarshalJSON implements json.Marshaler.
func (r HandshakeResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireHandshakeResponse(r))
}

// UnmarshalJSON implements json.Unmarshaler. ResponseCode is required.
func (r *HandshakeResponse) UnmarshalJSON(data []byte) error {
	var wire wireHandshakeResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	if wire.ResponseCode == "" {
		return stderrors.New("missing required field ResponseCode")
	}

	*r = HandshakeResponse(wire)

	return nil
}

// Progress reports completion of a long-running exchange as a fraction in [0, 1].
type Progress struct {
	Percent float64
}

type wireProgress struct {
	Percent *float64 `json:"Percent,omitempty"`
}

// NewProgress creates a validated progress payload.
func NewProgress(percent float64) (*Progress, error) {
	p := &Progress{Percent: percent}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Validate rejects NaN, infinities and values outside [0, 1].
func (p *Progress) Validate() error {
	if math.IsNaN(p.Percent) || math.IsInf(p.Percent, 0) || p.Percent < 0 || p.Percent > 1 {
		return fmt.Errorf("progress percent %v out of range [0, 1]", p.Percent)
	}

	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Progress) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireProgress{Percent: &p.Percent})
}

// UnmarshalJSON implements json.Unmarshaler. Percent is required.
func (p *Progress) UnmarshalJSON(data []byte) error {
	var wire wireProgress
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	if wire.Percent == nil {
		return stderrors.New("missing required field Percent")
	}

	p.Percent = *wire.Percent

	return nil
}

// Fault carries an error description in place of a response.
type Fault struct {
	Message string `json:"Message"`
}

// NewFault creates a validated fault payload.
func NewFault(message string) (*Fault, error) {
	f := &Fault{Message: message}

	if err := f.Validate(); err != nil {
		return nil, err
	}

	return f, nil
}

// Validate requires a non-empty message.
func (f *Fault) Validate() error {
	if f.Message == "" {
		return stderrors.New("fault message must not be empty")
	}

	return nil
}
