// Package local joins worker nodes to a gateway inside the same process.
// Standalone mode and the demo run this way; no frames are encoded.
package local

import (
	"context"

	"github.com/ChuLiYu/aigc-gateway/internal/gateway"
	"github.com/ChuLiYu/aigc-gateway/internal/worker"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// Attach starts node with its replies going straight into gw, then joins it.
// The returned func leaves the gateway and stops the node.
func Attach(gw *gateway.Gateway, node *worker.Node) (detach func(), err error) {
	up := worker.UplinkFunc(func(_ context.Context, r types.Reply) error {
		gw.HandleReply(r)
		return nil
	})
	if err := node.Start(up); err != nil {
		return nil, err
	}
	info := node.Info()
	gw.Join(info, node)

	return func() {
		gw.Leave(info.ID, "detached")
		node.Stop()
	}, nil
}
