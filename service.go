package corelink

import (
	"context"
	"sync"

	"github.com/raskyld/corelink/pkg/service"
)

// LocalService is a service served by the local `Node`.
type LocalService struct {
	name  string
	srv   *service.Server
	queue *service.ConnQueue

	lk     sync.Mutex
	closed bool
	err    *ClosedError
	done   chan struct{}

	// gc releases the name once the service stopped.
	gc func(*LocalService)
}

func newLocalService(
	name string,
	srv *service.Server,
	queue *service.ConnQueue,
	gc func(*LocalService),
) *LocalService {
	svc := &LocalService{
		name:  name,
		srv:   srv,
		queue: queue,
		done:  make(chan struct{}),
		gc:    gc,
	}
	go svc.watch()
	return svc
}

func (svc *LocalService) Name() string {
	return svc.name
}

// Done is closed once the service stopped.
func (svc *LocalService) Done() <-chan struct{} {
	return svc.done
}

// Err returns a `*ClosedError` once the service stopped, nil before.
func (svc *LocalService) Err() error {
	svc.lk.Lock()
	defer svc.lk.Unlock()
	if svc.err == nil {
		return nil
	}
	return svc.err
}

// Stats returns a snapshot of the slots of the underlying server.
func (svc *LocalService) Stats(ctx context.Context) (service.Stats, error) {
	return svc.srv.Stats(ctx)
}

// Close stops serving, aborts running calls and releases the name.
func (svc *LocalService) Close() error {
	if svc.closeWith(closedBecause(ClosedByUser, "")) {
		svc.gc(svc)
	}
	return nil
}

// deliver hands a stream to the server. It blocks until a slot takes it.
func (svc *LocalService) deliver(ctx context.Context, conn service.Conn) error {
	return svc.queue.Deliver(ctx, conn)
}

// closeWith stops the service. Only the first call wins and returns true.
func (svc *LocalService) closeWith(cause *ClosedError) bool {
	svc.lk.Lock()
	if svc.closed {
		svc.lk.Unlock()
		return false
	}
	svc.closed = true
	svc.err = cause
	svc.lk.Unlock()

	svc.queue.Close()
	svc.srv.Shutdown()
	close(svc.done)
	return true
}

// watch releases the service when its server stops on its own, which
// happens when the context given to `Node.ServeService` is done.
func (svc *LocalService) watch() {
	select {
	case <-svc.srv.Done():
		if svc.closeWith(closedBecause(ClosedByContext, "serving context done")) {
			svc.gc(svc)
		}
	case <-svc.done:
	}
}
