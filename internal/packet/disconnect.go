package packet

import "fmt"

// DisconnectReason is the wire enum carried by the DISCONNECT packet.
type DisconnectReason string

const (
	DisconnectShutdown          DisconnectReason = "shutdown"
	DisconnectClose             DisconnectReason = "close"
	DisconnectAnotherConnection DisconnectReason = "another_connection"
	DisconnectPermissionDenied  DisconnectReason = "permission_denied"
	DisconnectInvalidToken      DisconnectReason = "invalid_token"
	DisconnectInvalidOrigin     DisconnectReason = "invalid_origin"
	DisconnectInvalidVersion    DisconnectReason = "invalid_version"
	DisconnectInvalidPacket     DisconnectReason = "invalid_packet"
	DisconnectInvalidPacketType DisconnectReason = "invalid_packet_type"
	DisconnectInvalidPacketData DisconnectReason = "invalid_packet_data"
)

// IsError reports whether the reason maps to a failure; only SHUTDOWN and
// CLOSE are clean disconnects.
func (r DisconnectReason) IsError() bool {
	return r != DisconnectShutdown && r != DisconnectClose
}

// DisconnectError carries a typed disconnect reason through the session
// error path. The session translates it into a DISCONNECT packet before
// closing the transport.
type DisconnectError struct {
	Reason  DisconnectReason
	Message string
}

func (e *DisconnectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("disconnect: %s", e.Reason)
	}
	return fmt.Sprintf("disconnect: %s: %s", e.Reason, e.Message)
}

// Disconnectf builds a DisconnectError with a formatted message.
func Disconnectf(reason DisconnectReason, format string, args ...any) *DisconnectError {
	return &DisconnectError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
