package logwarden

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"
)

// listenAndAccept accepts proxy connections on the configured address
// and runs a read loop per connection inside the agent's errgroup.
func (a *Agent) listenAndAccept(ctx context.Context, g *errgroup.Group) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return err
	}
	a.logger.Info("listening for proxies", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		conn := NewProxyConn(netConn, a.collector, a.cursor, a.store, a.cfg.FetchTimeout, a.logger)
		a.addConn(conn)
		a.logger.Info("proxy connected", "addr", conn.RemoteAddr())

		g.Go(func() error {
			err := conn.ReadLoop(ctx)
			a.removeConn(conn)
			_ = conn.Close()
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("proxy connection lost", "addr", conn.RemoteAddr(), "err", err)
			}
			// A dropped proxy is routine; the agent keeps serving.
			return nil
		})
	}
}
