package broker

import (
	"time"

	"github.com/coregx/greenhouse-broker/protocol"
)

// runHeartbeat starts this connection's outbound keep-alive ticker, if a
// heartbeat period is configured. Grounded directly on
// johnjansen-buffkit/sse/broker.go's heartbeat() method: a time.Ticker at
// the configured period, selecting between the ticker and a stop signal.
// Idle detection (the read deadline in Conn.readLoop) is what actually
// enforces the dead-connection timeout, so a failure to send a heartbeat
// here is logged, not fatal.
func (c *Conn) runHeartbeat() {
	if c.heartbeatPeriod <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(c.heartbeatPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.Send(protocol.New(protocol.Heartbeat, nil)); err != nil {
					c.log.Debug().Err(err).Msg("heartbeat send failed")
					return
				}
			case <-c.stopped:
				return
			}
		}
	}()
}
