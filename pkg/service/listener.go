package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hostvol/hostvol/pkg/log"
	"github.com/hostvol/hostvol/pkg/types"
)

// Listener accepts logical requests as JSON over a unix socket, one
// goroutine per connection. The guest-to-host transport proper sits in front
// of this socket and is not this service's concern.
type Listener struct {
	dispatcher *Dispatcher
	path       string

	ln     net.Listener
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewListener creates a listener bound to the unix socket at path.
func NewListener(d *Dispatcher, path string) *Listener {
	return &Listener{
		dispatcher: d,
		path:       path,
		logger:     log.WithComponent("listener"),
	}
}

// Start binds the socket and serves until Stop. A stale socket file from a
// previous run is removed first.
func (l *Listener) Start(ctx context.Context) error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", l.path, err)
	}

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.path, err)
	}
	l.ln = ln
	l.logger.Info().Str("socket", l.path).Msg("listening for volume requests")

	l.wg.Add(1)
	go l.acceptLoop(ctx)
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error().Err(err).Msg("accept failed")
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req types.Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := l.dispatcher.HandleRequest(ctx, req)
		if err := enc.Encode(resp); err != nil {
			l.logger.Error().Err(err).Msg("failed to write response")
			return
		}
	}
}

// Stop closes the socket and waits for in-flight requests.
func (l *Listener) Stop() {
	if l.ln != nil {
		l.ln.Close()
	}
	l.wg.Wait()
	os.Remove(l.path)
}
