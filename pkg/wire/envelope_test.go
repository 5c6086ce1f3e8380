package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelope_Request(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, &Request{Action: ActionNewCall, Payload: []byte("P")}))
	require.NoError(t, WriteRequest(&buf, &Request{Action: ActionCancel}))

	call, err := ReadRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, ActionNewCall, call.Action)
	require.Equal(t, []byte("P"), call.Payload)

	cancel, err := ReadRequest(&buf)
	require.NoError(t, err)
	require.Equal(t, ActionCancel, cancel.Action)
	require.Nil(t, cancel.Payload)
}

func TestEnvelope_RequestRejectsUnspecifiedAction(t *testing.T) {
	_, err := (&Request{}).Marshal()
	require.ErrorIs(t, err, ErrInvalidEnvelope)

	// An envelope without any action field.
	raw := protowire.AppendTag(nil, fieldEnvelopePayload, protowire.BytesType)
	raw = protowire.AppendBytes(raw, []byte("orphan"))
	_, err = UnmarshalRequest(raw)
	require.ErrorIs(t, err, ErrInvalidEnvelope)

	raw = protowire.AppendTag(nil, fieldEnvelopeKind, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 42)
	_, err = UnmarshalRequest(raw)
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestEnvelope_SkipsUnknownFields(t *testing.T) {
	raw, err := (&Reply{Status: StatusSucceeded, Payload: []byte("R")}).Marshal()
	require.NoError(t, err)

	raw = protowire.AppendTag(raw, 15, protowire.BytesType)
	raw = protowire.AppendString(raw, "from a newer peer")
	raw = protowire.AppendTag(raw, 16, protowire.Fixed64Type)
	raw = protowire.AppendFixed64(raw, 7)

	rep, err := UnmarshalReply(raw)
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, rep.Status)
	require.Equal(t, []byte("R"), rep.Payload)
}

func TestEnvelope_ReplyStatuses(t *testing.T) {
	var buf bytes.Buffer
	statuses := []CallStatus{
		StatusSuspended, StatusRunning, StatusCancelRequested,
		StatusSucceeded, StatusFailed, StatusAborted,
	}
	for _, st := range statuses {
		require.NoError(t, WriteReply(&buf, &Reply{Status: st}))
	}

	for _, st := range statuses {
		rep, err := ReadReply(&buf)
		require.NoError(t, err)
		require.Equal(t, st, rep.Status)
	}

	_, err := (&Reply{Status: CallStatus(9)}).Marshal()
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestCallStatus_IsTerminal(t *testing.T) {
	require.False(t, StatusSuspended.IsTerminal())
	require.False(t, StatusRunning.IsTerminal())
	require.False(t, StatusCancelRequested.IsTerminal())
	require.True(t, StatusSucceeded.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
	require.True(t, StatusAborted.IsTerminal())
	require.Equal(t, "cancel_requested", StatusCancelRequested.String())
}

func TestInit_Handshake(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteInit(&buf, &Init{Mode: StreamModeService, Service: "planner"}))
	require.NoError(t, WriteInit(&buf, &Init{Mode: StreamModeGossip}))

	svc, err := ReadInit(&buf)
	require.NoError(t, err)
	require.Equal(t, StreamModeService, svc.Mode)
	require.Equal(t, "planner", svc.Service)

	gossip, err := ReadInit(&buf)
	require.NoError(t, err)
	require.Equal(t, StreamModeGossip, gossip.Mode)

	_, err = (&Init{Mode: StreamModeService}).Marshal()
	require.ErrorIs(t, err, ErrInvalidInit)

	_, err = UnmarshalInit(nil)
	require.ErrorIs(t, err, ErrInvalidInit)
}
