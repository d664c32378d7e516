// Package mqttd is an MQTT v3.1.1 and v5.0 session engine. A Dispatcher owns one
// connection, drives the protocol state machine and keeps the per-session state in a
// Session. Applications plug in through ConnectHandler, PublishHandler and ControlHandler
// and talk back to a peer through the Session's Sink.
package mqttd

import "fmt"

// Role tells which end of the connection a Session represents.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// State is the lifecycle of a dispatcher.
type State uint8

const (
	StateAwaitingConnect State = iota
	StateEstablished
	StateClosing
	StateClosed
)

var stateNames = [...]string{"awaiting-connect", "established", "closing", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}
