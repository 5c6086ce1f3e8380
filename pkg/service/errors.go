package service

import "errors"

var (
	ErrInvalidCfg      = errors.New("service: invalid options")
	ErrServerClosed    = errors.New("service: server is shut down")
	ErrListenerClosed  = errors.New("service: listener closed")
	ErrNotConnected    = errors.New("service: client is not connected")
	ErrCallInFlight    = errors.New("service: a call is already outstanding")
	ErrStreamClosed    = errors.New("service: stream closed")
	ErrClientClosed    = errors.New("service: client closed")
	ErrHandlerRequired = errors.New("service: a handler is required")
)
