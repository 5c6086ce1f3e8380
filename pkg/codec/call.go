package codec

import (
	"context"
	"fmt"

	"github.com/raskyld/corelink/pkg/service"
)

// StatusError is returned by `Call` when a call did not succeed.
type StatusError struct {
	Status service.CallStatus
	// Payload sent with the terminal reply, the error message for calls
	// failed by a `Handler`.
	Payload []byte
}

func (err *StatusError) Error() string {
	if len(err.Payload) == 0 {
		return fmt.Sprintf("codec: call ended with status %s", err.Status)
	}
	return fmt.Sprintf("codec: call ended with status %s: %s", err.Status, err.Payload)
}

// Handler builds a `service.Handler` serving typed messages.
//
// A request which cannot be decoded, or an error returned by fn, fails
// the call and the error message is sent back. Otherwise, the call
// succeeds unless fn already ended it.
func Handler[Req, Rep any](
	reqCodec Codec[Req],
	repCodec Codec[Rep],
	fn func(call *service.Call, req Req) (Rep, error),
) service.Handler {
	return service.HandlerFunc(func(call *service.Call, payload []byte) []byte {
		req, err := reqCodec.Unmarshal(payload)
		if err != nil {
			call.SetFailed()
			return []byte(err.Error())
		}

		rep, err := fn(call, req)
		if err != nil {
			call.SetFailed()
			return []byte(err.Error())
		}

		buf, err := repCodec.Marshal(rep)
		if err != nil {
			call.SetFailed()
			return []byte(err.Error())
		}

		call.SetSucceeded()
		return buf
	})
}

// Call sends msg with client and waits for the reply. Replies other than
// `service.Succeeded` are returned as a `*StatusError`.
func Call[Req, Rep any](
	ctx context.Context,
	client *service.Client,
	reqCodec Codec[Req],
	repCodec Codec[Rep],
	msg Req,
) (Rep, error) {
	var zero Rep

	payload, err := reqCodec.Marshal(msg)
	if err != nil {
		return zero, err
	}

	pending, err := client.Request(ctx, payload)
	if err != nil {
		return zero, err
	}

	reply, err := pending.Wait(ctx)
	if err != nil {
		return zero, err
	}

	if reply.Status != service.Succeeded {
		return zero, &StatusError{Status: reply.Status, Payload: reply.Payload}
	}

	return repCodec.Unmarshal(reply.Payload)
}
