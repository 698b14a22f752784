// Package protocol defines the greenhouse broker's wire dialect: the closed
// set of message types, roles, and the flat JSON message record exchanged
// between sensor nodes, control panels, and the broker.
package protocol

// MessageType identifies one of the canonical message kinds exchanged on the
// wire. Values are the exact strings carried in a message's "type" field.
type MessageType string

// Canonical message types (exact casing, underscored, RFC-closed set).
const (
	RegisterNode         MessageType = "REGISTER_NODE"
	RegisterControlPanel MessageType = "REGISTER_CONTROL_PANEL"
	RegisterAck          MessageType = "REGISTER_ACK"
	NodeList             MessageType = "NODE_LIST"
	SensorData           MessageType = "SENSOR_DATA"
	ActuatorCommand      MessageType = "ACTUATOR_COMMAND"
	ActuatorStatus       MessageType = "ACTUATOR_STATUS"
	ActuatorState        MessageType = "ACTUATOR_STATE"
	CommandAck           MessageType = "COMMAND_ACK"
	NodeConnected        MessageType = "NODE_CONNECTED"
	NodeDisconnected     MessageType = "NODE_DISCONNECTED"
	Heartbeat            MessageType = "HEARTBEAT"
	Error                MessageType = "ERROR"
)

// Role identifies the declared role of a registering client.
type Role string

// Canonical role strings.
const (
	RoleSensorNode   Role = "SENSOR_NODE"
	RoleControlPanel Role = "CONTROL_PANEL"
)

// broadcastTypes is the set of message types that Router.Broadcast fans out
// to every registered panel, unchanged, when forwarded from a sensor.
var broadcastTypes = map[MessageType]bool{
	SensorData:     true,
	ActuatorStatus: true,
	ActuatorState:  true,
	CommandAck:     true,
}

// IsBroadcastFromSensor reports whether a message of this type, received
// from a registered sensor node, is forwarded to all panels verbatim.
func IsBroadcastFromSensor(t MessageType) bool {
	return broadcastTypes[t]
}

// IsKnown reports whether t is one of the canonical message types.
func IsKnown(t MessageType) bool {
	switch t {
	case RegisterNode, RegisterControlPanel, RegisterAck, NodeList,
		SensorData, ActuatorCommand, ActuatorStatus, ActuatorState,
		CommandAck, NodeConnected, NodeDisconnected, Heartbeat, Error:
		return true
	default:
		return false
	}
}
