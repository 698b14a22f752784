package broker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coregx/greenhouse-broker/frame"
	"github.com/coregx/greenhouse-broker/protocol"
)

// connState is a connection's position in the registration state machine.
type connState int

const (
	stateNew connState = iota
	stateRegisteredSensor
	stateRegisteredPanel
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateNew:
		return "NEW"
	case stateRegisteredSensor:
		return "REGISTERED(sensor)"
	case stateRegisteredPanel:
		return "REGISTERED(panel)"
	case stateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Conn is one accepted TCP session: a sensor node or a control panel before
// and after registration. It wraps a net.Conn with buffered reader/writer,
// a write mutex guarding frame-atomic emission, and a sync.Once close path.
type Conn struct {
	id         string
	netConn    net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	remoteAddr string

	registry *Registry
	router   *Router
	log      zerolog.Logger

	heartbeatPeriod time.Duration

	// writeMu serializes frame emission so that a Router broadcast and a
	// direct reply from this handler can never interleave bytes within a
	// single frame.
	writeMu sync.Mutex

	// stateMu guards state/nodeID/role, which change together exactly once
	// (on successful registration) and then again once (on teardown).
	stateMu sync.RWMutex
	state   connState
	nodeID  string
	role    protocol.Role

	closeOnce sync.Once
	stopped   chan struct{}

	errs errorWindow

	registeredAt time.Time
}

// newConn constructs a Conn around an accepted socket. Not exported: callers
// obtain Conns via Server's accept loop.
func newConn(netConn net.Conn, registry *Registry, router *Router, heartbeatPeriod time.Duration, log zerolog.Logger) *Conn {
	id := uuid.New().String()
	return &Conn{
		id:              id,
		netConn:         netConn,
		reader:          bufio.NewReader(netConn),
		writer:          bufio.NewWriter(netConn),
		remoteAddr:      netConn.RemoteAddr().String(),
		registry:        registry,
		router:          router,
		heartbeatPeriod: heartbeatPeriod,
		log:             log.With().Str("connID", id).Logger(),
		state:           stateNew,
		stopped:         make(chan struct{}),
	}
}

// ID returns the connection's stable identifier (assigned on accept, not
// the client-declared nodeId).
func (c *Conn) ID() string { return c.id }

func (c *Conn) getState() connState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Conn) registeredNodeID() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.nodeID
}

// Send writes msg as a single frame. Thread-safe: Router.Broadcast and this
// connection's own reply path both go through Send, serialized by writeMu.
func (c *Conn) Send(msg *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sendLocked(msg)
}

// sendLocked writes msg assuming writeMu is already held by the caller. It
// lets a caller that must emit more than one frame as an atomic sequence —
// registration's ack-then-node-list ordering, most notably — hold the lock
// across the whole sequence so a concurrent Send to this same Conn (a
// broadcast landing on a connection mid-registration) can't interleave a
// frame ahead of or between them.
func (c *Conn) sendLocked(msg *protocol.Message) error {
	payload, err := msg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("broker: marshal %s: %w", msg.Type, err)
	}
	return frame.WriteFrame(c.writer, payload)
}

// sendError is a convenience wrapper for emitting an ERROR frame with a
// human-readable cause.
func (c *Conn) sendError(reason string) error {
	return c.Send(protocol.New(protocol.Error, map[string]string{"message": reason}))
}

func (c *Conn) sendErrorLocked(reason string) error {
	return c.sendLocked(protocol.New(protocol.Error, map[string]string{"message": reason}))
}

// run drives the connection's single-threaded cooperative read loop until
// EOF, I/O error, invalid frame, unregistration, or the done channel
// closing (broker shutdown). Cleanup is always executed on the way out,
// exactly once, regardless of which path triggered it.
func (c *Conn) run(done <-chan struct{}) {
	go c.watchShutdown(done)
	c.runHeartbeat()

	c.readLoop()
	c.cleanup()
}

// watchShutdown closes the socket when the broker signals shutdown,
// unblocking this connection's in-flight read so the loop can exit via its
// normal error path.
func (c *Conn) watchShutdown(done <-chan struct{}) {
	<-done
	_ = c.netConn.Close()
}

func (c *Conn) readLoop() {
	for {
		if c.heartbeatPeriod > 0 {
			_ = c.netConn.SetReadDeadline(time.Now().Add(2 * c.heartbeatPeriod))
		}

		payload, err := frame.ReadFrame(c.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug().Err(err).Msg("connection read loop terminating")
			}
			return
		}

		msg, err := protocol.Parse(payload)
		if err != nil {
			if !c.protocolError(err) {
				return
			}
			continue
		}

		if !c.dispatch(msg) {
			return
		}
	}
}

// dispatch applies the registration state machine. Returns false when the
// connection should be torn down (a failed write of its own registration
// reply, or the protocol-error limit being exceeded); otherwise protocol
// and routing errors return true after emitting an ERROR frame instead of
// disconnecting.
func (c *Conn) dispatch(msg *protocol.Message) bool {
	if !protocol.IsKnown(msg.Type) {
		return c.protocolError(fmt.Errorf("%w: %q", protocol.ErrUnknownType, msg.Type))
	}

	switch msg.Type {
	case protocol.RegisterNode, protocol.RegisterControlPanel:
		return c.handleRegister(msg)
	case protocol.Heartbeat:
		// Receipt already reset the idle deadline above; HEARTBEAT never
		// changes state.
		return true
	}

	switch c.getState() {
	case stateNew:
		return c.protocolError(fmt.Errorf("%w: %s not accepted before registration", protocol.ErrWrongState, msg.Type))
	case stateRegisteredSensor:
		return c.handleSensorMessage(msg)
	case stateRegisteredPanel:
		return c.handlePanelMessage(msg)
	default:
		return true
	}
}

func (c *Conn) handleRegister(msg *protocol.Message) bool {
	if c.getState() != stateNew {
		return c.protocolError(fmt.Errorf("%w: already registered", protocol.ErrWrongState))
	}

	nodeID := msg.NodeID()
	if nodeID == "" {
		return c.protocolError(fmt.Errorf("%w: nodeId", protocol.ErrMissingField))
	}

	switch msg.Type {
	case protocol.RegisterNode:
		return c.registerSensor(nodeID, msg)
	case protocol.RegisterControlPanel:
		return c.registerPanel(nodeID)
	default:
		return true
	}
}

// registerSensor adds nodeID to the registry and acknowledges it. The
// registry insert and the REGISTER_ACK send happen under the same writeMu
// hold: the moment RegisterSensor succeeds, this Conn becomes visible to
// Router.Route (an ACTUATOR_COMMAND could target it immediately), and that
// send must not be able to land on the wire before this handler's own
// REGISTER_ACK.
func (c *Conn) registerSensor(nodeID string, msg *protocol.Message) bool {
	sensorKeys := msg.StringArray("sensorKeys")
	actuatorKeys := msg.StringArray("actuatorKeys")

	c.writeMu.Lock()

	if err := c.registry.RegisterSensor(nodeID, c, sensorKeys, actuatorKeys); err != nil {
		_ = c.sendErrorLocked(fmt.Sprintf("nodeId %q already registered: %v", nodeID, err))
		c.writeMu.Unlock()
		return true
	}

	c.stateMu.Lock()
	c.state = stateRegisteredSensor
	c.nodeID = nodeID
	c.role = protocol.RoleSensorNode
	c.registeredAt = time.Now()
	c.stateMu.Unlock()

	c.log.Info().Str("nodeID", nodeID).Msg("sensor node registered")

	err := c.sendLocked(protocol.New(protocol.RegisterAck, map[string]string{
		"nodeId":  nodeID,
		"message": "registered",
	}))
	c.writeMu.Unlock()
	if err != nil {
		return false
	}

	c.router.Broadcast(protocol.New(protocol.NodeConnected, map[string]string{"nodeId": nodeID}), c.registry.Panels())
	return true
}

// registerPanel adds panelID to the registry, then sends REGISTER_ACK
// immediately followed by NODE_LIST, both under the same writeMu hold.
// Without that, a concurrent Router.Broadcast to this now-visible panel
// (triggered by some other connection's registration or sensor traffic)
// could interleave a NODE_CONNECTED/SENSOR_DATA frame ahead of, or between,
// this panel's own REGISTER_ACK and NODE_LIST.
func (c *Conn) registerPanel(panelID string) bool {
	c.writeMu.Lock()

	if err := c.registry.RegisterPanel(panelID, c); err != nil {
		_ = c.sendErrorLocked(fmt.Sprintf("panel id %q already registered: %v", panelID, err))
		c.writeMu.Unlock()
		return true
	}

	c.stateMu.Lock()
	c.state = stateRegisteredPanel
	c.nodeID = panelID
	c.role = protocol.RoleControlPanel
	c.registeredAt = time.Now()
	c.stateMu.Unlock()

	c.log.Info().Str("panelID", panelID).Msg("control panel registered")

	ackErr := c.sendLocked(protocol.New(protocol.RegisterAck, map[string]string{
		"nodeId":  panelID,
		"message": "registered",
	}))
	var listErr error
	if ackErr == nil {
		// NODE_LIST must follow REGISTER_ACK and precede any other event.
		listErr = c.sendLocked(buildNodeList(c.registry.Snapshot()))
	}
	c.writeMu.Unlock()

	return ackErr == nil && listErr == nil
}

func (c *Conn) handleSensorMessage(msg *protocol.Message) bool {
	if protocol.IsBroadcastFromSensor(msg.Type) {
		nodeID := c.registeredNodeID()
		if !msg.Has("nodeId") {
			msg.SetString("nodeId", nodeID)
		}
		c.router.Broadcast(msg, c.registry.Panels())
		return true
	}

	switch msg.Type {
	case protocol.RegisterNode, protocol.RegisterControlPanel:
		return c.protocolError(fmt.Errorf("%w: already registered", protocol.ErrWrongState))
	default:
		return c.protocolError(fmt.Errorf("%w: %s not accepted from a registered sensor", protocol.ErrWrongState, msg.Type))
	}
}

func (c *Conn) handlePanelMessage(msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.ActuatorCommand:
		c.router.Route(msg, msg.TargetNode(), c)
		return true
	case protocol.RegisterNode, protocol.RegisterControlPanel:
		return c.protocolError(fmt.Errorf("%w: already registered", protocol.ErrWrongState))
	default:
		return c.protocolError(fmt.Errorf("%w: %s not accepted from a registered panel", protocol.ErrWrongState, msg.Type))
	}
}

// protocolError answers with an ERROR frame carrying err's message, counts
// the occurrence toward the >10/minute disconnect policy, and reports
// whether the connection should stay open (false once the limit is
// exceeded).
func (c *Conn) protocolError(err error) bool {
	c.log.Debug().Err(err).Msg("protocol error")
	_ = c.sendError(err.Error())
	return !c.tooManyErrors()
}

func (c *Conn) tooManyErrors() bool {
	if c.errs.hit(time.Now()) {
		c.log.Warn().Msg("closing connection: too many protocol errors")
		return true
	}
	return false
}

// cleanup executes the CLOSING teardown steps in order, exactly once:
// mark CLOSING, remove registry entry, broadcast NODE_DISCONNECTED if it
// was a sensor, close the socket.
func (c *Conn) cleanup() {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		wasSensorState := c.state == stateRegisteredSensor
		c.state = stateClosing
		c.stateMu.Unlock()

		removedID, wasSensor := c.registry.Unregister(c)
		if wasSensor || wasSensorState {
			id := removedID
			if id == "" {
				id = c.registeredNodeID()
			}
			c.log.Info().Str("nodeID", id).Msg("sensor node disconnected")
			c.router.Broadcast(protocol.New(protocol.NodeDisconnected, map[string]string{"nodeId": id}), c.registry.Panels())
		}

		close(c.stopped)
		_ = c.netConn.Close()
	})
}

func buildNodeList(nodes []NodeInfo) *protocol.Message {
	msg := protocol.New(protocol.NodeList, nil)
	type wireNode struct {
		NodeID       string   `json:"nodeId"`
		SensorKeys   []string `json:"sensorKeys,omitempty"`
		ActuatorKeys []string `json:"actuatorKeys,omitempty"`
	}
	wire := make([]wireNode, 0, len(nodes))
	for _, n := range nodes {
		wire = append(wire, wireNode{NodeID: n.NodeID, SensorKeys: n.SensorKeys, ActuatorKeys: n.ActuatorKeys})
	}
	raw, _ := json.Marshal(wire)
	msg.SetRaw("nodes", raw)
	return msg
}
