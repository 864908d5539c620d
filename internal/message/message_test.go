package message

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/blang/semver/v4"
	"github.com/stretchr/testify/require"

	"github.com/wagiedev/stdioplugin-go/internal/errors"
)

func mustVersion(t *testing.T, s string) semver.Version {
	t.Helper()

	v, err := semver.Parse(s)
	require.NoError(t, err)

	return v
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		typ       Type
		method    Method
		payload   any
	}{
		{name: "empty request id", requestID: "", typ: TypeRequest, method: MethodHandshake},
		{name: "unknown type", requestID: "a", typ: Type("Ping"), method: MethodHandshake},
		{name: "unknown method", requestID: "a", typ: TypeRequest, method: Method("Explode")},
		{name: "array payload", requestID: "a", typ: TypeRequest, method: MethodLog, payload: json.RawMessage(`[1,2]`)},
		{name: "string payload", requestID: "a", typ: TypeRequest, method: MethodLog, payload: "text"},
		{name: "invalid typed payload", requestID: "a", typ: TypeProgress, method: MethodLog, payload: &Progress{Percent: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := New(tt.requestID, tt.typ, tt.method, tt.payload)
			require.Nil(t, msg)

			_, ok := stderrors.AsType[*errors.MalformedMessageError](err)
			require.True(t, ok, "expected MalformedMessageError, got %v", err)
		})
	}
}

func TestNew_NullPayloadIsAbsent(t *testing.T) {
	msg, err := New("a", TypeResponse, MethodClose, json.RawMessage(`null`))
	require.NoError(t, err)
	require.False(t, msg.HasPayload())
	require.Nil(t, msg.Payload())

	data, err := Marshal(msg)
	require.NoError(t, err)
	require.NotContains(t, string(data), "Payload")
}

func TestMarshal_RoundTrip(t *testing.T) {
	req, err := NewHandshakeRequest(mustVersion(t, "2.0.0"), mustVersion(t, "1.0.0"))
	require.NoError(t, err)

	msg, err := New("01JABCDEF", TypeRequest, MethodHandshake, req)
	require.NoError(t, err)

	data, err := Marshal(msg)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"RequestId":"01JABCDEF","Type":"Request","Method":"Handshake",`+
			`"Payload":{"ProtocolVersion":"2.0.0","MinimumProtocolVersion":"1.0.0"}}`,
		string(data),
	)
	require.NotContains(t, string(data), "\n")

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, "01JABCDEF", decoded.RequestID())
	require.Equal(t, TypeRequest, decoded.Type())
	require.Equal(t, MethodHandshake, decoded.Method())

	got, err := DecodePayload[HandshakeRequest](decoded)
	require.NoError(t, err)
	require.True(t, got.ProtocolVersion.Equals(req.ProtocolVersion))
	require.True(t, got.MinimumProtocolVersion.Equals(req.MinimumProtocolVersion))
}

func TestMarshal_NilMessage(t *testing.T) {
	_, err := Marshal(nil)

	_, ok := stderrors.AsType[*errors.MalformedMessageError](err)
	require.True(t, ok)
}

func TestUnmarshal_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{"RequestId":`},
		{name: "array", data: `[]`},
		{name: "missing request id", data: `{"Type":"Request","Method":"Handshake"}`},
		{name: "empty request id", data: `{"RequestId":"","Type":"Request","Method":"Handshake"}`},
		{name: "numeric request id", data: `{"RequestId":7,"Type":"Request","Method":"Handshake"}`},
		{name: "missing type", data: `{"RequestId":"a","Method":"Handshake"}`},
		{name: "unknown type", data: `{"RequestId":"a","Type":"Ping","Method":"Handshake"}`},
		{name: "unknown method", data: `{"RequestId":"a","Type":"Request","Method":"Explode"}`},
		{name: "scalar payload", data: `{"RequestId":"a","Type":"Request","Method":"Log","Payload":3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Unmarshal([]byte(tt.data))
			require.Nil(t, msg)

			malformed, ok := stderrors.AsType[*errors.MalformedMessageError](err)
			require.True(t, ok, "expected MalformedMessageError, got %v", err)
			require.NotEmpty(t, malformed.Reason)
		})
	}
}

func TestUnmarshal_NullPayload(t *testing.T) {
	msg, err := Unmarshal([]byte(`{"RequestId":"a","Type":"Response","Method":"Close","Payload":null}`))
	require.NoError(t, err)
	require.False(t, msg.HasPayload())
}

func TestMessage_JSONInterfaces(t *testing.T) {
	var msg Message

	err := json.Unmarshal([]byte(`{"RequestId":"x","Type":"Cancel","Method":"GetPackageHash"}`), &msg)
	require.NoError(t, err)
	require.Equal(t, TypeCancel, msg.Type())

	err = json.Unmarshal([]byte(`{"RequestId":"x","Type":"Nope","Method":"GetPackageHash"}`), &msg)
	require.Error(t, err)
}

func TestStream_ConcatenatedValues(t *testing.T) {
	first, err := New("one", TypeRequest, MethodLog, nil)
	require.NoError(t, err)

	second, err := New("two", TypeProgress, MethodLog, &Progress{Percent: 0.5})
	require.NoError(t, err)

	a, err := Marshal(first)
	require.NoError(t, err)

	b, err := Marshal(second)
	require.NoError(t, err)

	// No separator between root-level values.
	dec := json.NewDecoder(bytes.NewReader(append(a, b...)))

	var ids []string

	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}

		msg, err := Unmarshal(raw)
		require.NoError(t, err)

		ids = append(ids, msg.RequestID())
	}

	require.Equal(t, []string{"one", "two"}, ids)
}

func TestPayload_IsCopy(t *testing.T) {
	msg, err := New("a", TypeResponse, MethodLog, json.RawMessage(`{"k":1}`))
	require.NoError(t, err)

	p := msg.Payload()
	p[0] = 'X'

	require.Equal(t, `{"k":1}`, string(msg.Payload()))
}

func TestDecodePayload_Absent(t *testing.T) {
	msg, err := New("a", TypeResponse, MethodHandshake, nil)
	require.NoError(t, err)

	got, err := DecodePayload[HandshakeResponse](msg)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestHandshakeRequest_Validation(t *testing.T) {
	_, err := NewHandshakeRequest(mustVersion(t, "1.0.0"), mustVersion(t, "2.0.0"))
	require.Error(t, err)

	req, err := NewHandshakeRequest(mustVersion(t, "1.0.0"), mustVersion(t, "1.0.0"))
	require.NoError(t, err)
	require.NotNil(t, req)
}

func TestHandshakeRequest_Decode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "valid", payload: `{"ProtocolVersion":"2.0.0","MinimumProtocolVersion":"1.0.0"}`},
		{name: "missing minimum", payload: `{"ProtocolVersion":"2.0.0"}`, wantErr: true},
		{name: "missing protocol version", payload: `{"MinimumProtocolVersion":"1.0.0"}`, wantErr: true},
		{name: "inverted range", payload: `{"ProtocolVersion":"1.0.0","MinimumProtocolVersion":"2.0.0"}`, wantErr: true},
		{name: "not a version", payload: `{"ProtocolVersion":"two","MinimumProtocolVersion":"1.0.0"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := New("a", TypeRequest, MethodHandshake, json.RawMessage(tt.payload))
			require.NoError(t, err)

			got, err := DecodePayload[HandshakeRequest](msg)
			if tt.wantErr {
				_, ok := stderrors.AsType[*errors.MalformedMessageError](err)
				require.True(t, ok, "expected MalformedMessageError, got %v", err)

				return
			}

			require.NoError(t, err)
			require.Equal(t, "2.0.0", got.ProtocolVersion.String())
		})
	}
}

func TestHandshakeResponse_Validation(t *testing.T) {
	v := mustVersion(t, "1.0.0")

	tests := []struct {
		name    string
		code    ResponseCode
		version *semver.Version
		wantErr bool
	}{
		{name: "success with version", code: ResponseCodeSuccess, version: &v},
		{name: "error without version", code: ResponseCodeError},
		{name: "success without version", code: ResponseCodeSuccess, wantErr: true},
		{name: "error with version", code: ResponseCodeError, version: &v, wantErr: true},
		{name: "not found", code: ResponseCodeNotFound, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHandshakeResponse(tt.code, tt.version)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestHandshakeResponse_Wire(t *testing.T) {
	resp, err := NewHandshakeResponse(ResponseCodeError, nil)
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t, `{"ResponseCode":"Error"}`, string(data))

	var decoded HandshakeResponse
	require.Error(t, json.Unmarshal([]byte(`{}`), &decoded))
}

func TestProgress_Validation(t *testing.T) {
	for _, percent := range []float64{0, 0.25, 1} {
		_, err := NewProgress(percent)
		require.NoError(t, err)
	}

	for _, percent := range []float64{-0.1, 1.01, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := NewProgress(percent)
		require.Error(t, err, "percent %v", percent)
	}
}

func TestProgress_Decode(t *testing.T) {
	msg, err := New("a", TypeProgress, MethodLog, json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = DecodePayload[Progress](msg)
	require.Error(t, err)

	msg, err = New("a", TypeProgress, MethodLog, json.RawMessage(`{"Percent":4}`))
	require.NoError(t, err)

	_, err = DecodePayload[Progress](msg)
	require.Error(t, err)
}

func TestFault_Validation(t *testing.T) {
	_, err := NewFault("")
	require.Error(t, err)

	f, err := NewFault("boom")
	require.NoError(t, err)

	msg, err := New("a", TypeFault, MethodNone, f)
	require.NoError(t, err)

	data, err := Marshal(msg)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), `"Message":"boom"`))
}

func TestMethods_AllValid(t *testing.T) {
	for _, m := range Methods {
		require.True(t, m.Valid(), m)
	}

	for _, typ := range Types {
		require.True(t, typ.Valid(), typ)
	}

	require.True(t, ResponseCodeNotFound.Valid())
	require.False(t, ResponseCode("Maybe").Valid())
}
