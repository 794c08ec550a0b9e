// Package protocol holds the wire constants of the character server and the
// helpers that frame requests and build responses.
//
// Every message on the wire is a one-byte command or status, a body, and the
// two-byte delimiter "\r\n".
package protocol

import "fmt"

// Command is the first byte of every request and response frame.
type Command byte

const (
	CmdGetAll          Command = 0x01
	CmdAddCharacter    Command = 0x02
	CmdRemoveCharacter Command = 0x03
	CmdGetOne          Command = 0x04
	CmdUpdateCharacter Command = 0x05

	RespSuccess Command = 0x80
	RespError   Command = 0x81
)

const (
	// DefaultPort is the TCP port the server listens on when none is given.
	DefaultPort = 12345

	// DefaultMaxConnections caps concurrently admitted sessions.
	DefaultMaxConnections = 1000

	// DefaultWorkers is the size of the dispatch worker pool.
	DefaultWorkers = 16
)

// Delimiter terminates every frame.
var Delimiter = []byte{'\r', '\n'}

// String returns a readable name for the command, used in logs and metric
// labels.
func (c Command) String() string {
	switch c {
	case CmdGetAll:
		return "GET_ALL"
	case CmdAddCharacter:
		return "ADD_CHARACTER"
	case CmdRemoveCharacter:
		return "REMOVE_CHARACTER"
	case CmdGetOne:
		return "GET_ONE"
	case CmdUpdateCharacter:
		return "UPDATE_CHARACTER"
	case RespSuccess:
		return "SUCCESS"
	case RespError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(c))
	}
}

// Known reports whether c is one of the five request commands.
func (c Command) Known() bool {
	return c >= CmdGetAll && c <= CmdUpdateCharacter
}
