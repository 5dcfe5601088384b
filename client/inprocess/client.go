package inprocess

import (
	"context"
	"net"
	"sync"

	"pkt.systems/txcore"
	txclient "pkt.systems/txcore/client"
)

// Client is a txcore client backed by a single-node server running in the
// same process.
type Client struct {
	*txclient.Client
	server    *txcore.Server
	stop      func(context.Context) error
	closeOnce sync.Once
	closeErr  error
}

// New starts a single-node server on a loopback port and returns a client
// connected to it. Peers in cfg are ignored. Close the client to stop the
// server.
//
//	inproc, err := inprocess.New(ctx, txcore.Config{NodeName: "local"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inproc.Close(ctx)
func New(ctx context.Context, cfg txcore.Config, opts ...txcore.Option) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.NodeName == "" {
		cfg.NodeName = "inprocess"
	}
	cfg.Peers = nil
	cfg.Coordinator = ""
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	opts = append(opts, txcore.WithListener(ln))
	srv, stop, err := txcore.StartServer(ctx, cfg, opts...)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	cli, err := txclient.New("http://" + ln.Addr().String())
	if err != nil {
		_ = stop(context.Background())
		return nil, err
	}
	return &Client{Client: cli, server: srv, stop: stop}, nil
}

// Server exposes the embedded server, mainly for inspecting its store.
func (c *Client) Server() *txcore.Server {
	return c.server
}

// Close shuts down the embedded server.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		c.closeErr = c.stop(ctx)
	})
	return c.closeErr
}
