package codec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/corelink/pkg/service"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type greeting struct {
	Name  string `json:"name"`
	Times int    `json:"times,omitempty"`
}

// loopback resolves every service to itself and dials its own queue.
type loopback struct {
	queue *service.ConnQueue
}

func (lb loopback) Resolve(context.Context, string) (string, error) {
	return "loopback", nil
}

func (lb loopback) DialService(ctx context.Context, _, _ string) (service.Conn, error) {
	local, remote := service.Pipe()
	if err := lb.queue.Deliver(ctx, remote); err != nil {
		local.Close()
		return nil, err
	}
	return local, nil
}

func serve(t *testing.T, handler service.Handler) *service.Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts := []service.Option{service.WithMetricSink(&metrics.BlackholeSink{})}

	queue := service.NewConnQueue()
	srv, err := service.NewServer(ctx, "codec", queue, handler, opts...)
	require.NoError(t, err)

	cl, err := service.NewClient(ctx, "codec", loopback{queue}, loopback{queue}, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		cl.Close()
		cancel()
		srv.Shutdown()
	})

	require.Eventually(t, cl.Connected, 5*time.Second, 10*time.Millisecond)
	return cl
}

func TestBytes(t *testing.T) {
	buf := []byte("abc")

	shared, err := NewBytes(false).Marshal(buf)
	require.NoError(t, err)
	copied, err := NewBytes(true).Unmarshal(buf)
	require.NoError(t, err)

	buf[0] = 'x'
	require.Equal(t, "xbc", string(shared))
	require.Equal(t, "abc", string(copied))
}

func TestJSON(t *testing.T) {
	c := NewJSON[*greeting]()

	buf, err := c.Marshal(&greeting{Name: "corelink", Times: 2})
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"corelink","times":2}`, string(buf))

	msg, err := c.Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, &greeting{Name: "corelink", Times: 2}, msg)

	_, err = c.Unmarshal([]byte("{"))
	require.ErrorIs(t, err, ErrDecode)

	require.Panics(t, func() { NewJSON[greeting]() })
}

func TestProto(t *testing.T) {
	c := NewProto[*wrapperspb.StringValue]()

	buf, err := c.Marshal(wrapperspb.String("hello"))
	require.NoError(t, err)

	msg, err := c.Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", msg.GetValue())

	_, err = c.Unmarshal([]byte{0x0A, 0x05})
	require.ErrorIs(t, err, ErrDecode)
}

func TestCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reqCodec := NewJSON[*greeting]()
	repCodec := NewProto[*wrapperspb.StringValue]()
	handler := Handler(reqCodec, repCodec, func(call *service.Call, req *greeting) (*wrapperspb.StringValue, error) {
		if req.Name == "" {
			return nil, errors.New("who are you?")
		}
		return wrapperspb.String("hello " + req.Name), nil
	})

	cl := serve(t, handler)

	t.Run("typed round-trip", func(t *testing.T) {
		rep, err := Call(ctx, cl, reqCodec, repCodec, &greeting{Name: "corelink"})
		require.NoError(t, err)
		require.Equal(t, "hello corelink", rep.GetValue())
	})

	t.Run("handler error fails the call", func(t *testing.T) {
		_, err := Call(ctx, cl, reqCodec, repCodec, &greeting{})
		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		require.Equal(t, service.Failed, serr.Status)
		require.Equal(t, "who are you?", string(serr.Payload))
	})

	t.Run("undecodable request fails the call", func(t *testing.T) {
		_, err := Call(ctx, cl, NewBytes(false), repCodec, []byte("not json"))
		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		require.Equal(t, service.Failed, serr.Status)
		require.Contains(t, serr.Error(), "codec: could not decode payload")
	})
}

func TestHandler_KeepsTerminalStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bytesCodec := NewBytes(false)
	cl := serve(t, Handler(bytesCodec, bytesCodec, func(call *service.Call, req []byte) ([]byte, error) {
		call.SetAborted()
		return req, nil
	}))

	_, err := Call(ctx, cl, bytesCodec, bytesCodec, []byte("ignored"))
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, service.Aborted, serr.Status)
}
