package client

import (
	"context"

	"github.com/dmitrijs2005/draftsync/internal/wire"
)

type Client interface {
	Close() error
	Ping(ctx context.Context) error
	Drain(ctx context.Context, req *wire.DrainRequest) (*wire.DrainResponse, error)
	OpenChannel(ctx context.Context) (wire.ChannelClientStream, error)
}
