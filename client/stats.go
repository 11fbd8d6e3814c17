package client

import (
	"context"

	"github.com/cschleiden/instance-restarter/backend"
)

func (c *Client) GetStats(ctx context.Context) (*backend.Stats, error) {
	return c.backend.GetStats(ctx)
}
