package client

import "github.com/shardlabs/tessera/consensus-types/blocks"

// ProcessChallenge accepts an inbound challenge. Challenge processing is
// pending a separate design; until then inbound challenges are dropped
// here.
func (c *Client) ProcessChallenge(_ *blocks.Challenge) error {
	return nil
}
