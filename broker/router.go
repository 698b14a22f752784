package broker

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coregx/greenhouse-broker/protocol"
)

// Router implements targeted-send and broadcast fan-out. Broadcast takes an
// already-RLock-snapshotted audience, writes to each recipient in turn, and
// auto-unregisters any connection whose write fails. Writes happen
// sequentially in the caller's own goroutine rather than one goroutine per
// recipient: a single origin's messages must reach every recipient in the
// order the origin sent them, which a per-write goroutine fan-out cannot
// guarantee.
type Router struct {
	registry *Registry
	log      zerolog.Logger
}

// NewRouter returns a Router bound to registry.
func NewRouter(registry *Registry, log zerolog.Logger) *Router {
	return &Router{registry: registry, log: log}
}

// Route sends cmd (an ACTUATOR_COMMAND) to the single sensor registered
// under targetNodeID. If the target is unknown or its write fails, an
// ERROR is sent back to originPanel whose message contains "not found" or
// "disconnected".
func (r *Router) Route(cmd *protocol.Message, targetNodeID string, originPanel *Conn) {
	target := r.registry.FindSensor(targetNodeID)
	if target == nil {
		_ = originPanel.sendError(fmt.Sprintf("target node %q not found or disconnected", targetNodeID))
		return
	}

	if err := target.Send(cmd); err != nil {
		r.log.Debug().Err(err).Str("nodeID", targetNodeID).Msg("actuator command write failed; target disconnected")
		_ = originPanel.sendError(fmt.Sprintf("target node %q disconnected", targetNodeID))
		return
	}
}

// Broadcast fans msg out to every connection in audience, a snapshot the
// caller took under the registry's read lock before releasing it. Writes
// happen sequentially in this goroutine: if one recipient's kernel buffer
// is full, only this broadcast call blocks on that write — other
// recipients are serviced as soon as that write returns. A write failure
// prunes that connection from the registry and the fan-out continues; the
// connection being pruned does not interrupt delivery to the rest of the
// audience.
func (r *Router) Broadcast(msg *protocol.Message, audience []*Conn) {
	for _, conn := range audience {
		if err := conn.Send(msg); err != nil {
			r.log.Debug().Err(err).Str("connID", conn.ID()).Msg("broadcast write failed; pruning dead connection")
			r.registry.Unregister(conn)
			_ = conn.netConn.Close()
		}
	}
}
