package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cyberinferno/character-server/character"
)

// Frame is one request or response: its leading byte and the body that
// follows it, without the delimiter.
type Frame struct {
	Command Command
	Body    []byte
}

// Append writes the wire form of f (command, body, delimiter) to dst.
func (f Frame) Append(dst []byte) []byte {
	dst = append(dst, byte(f.Command))
	dst = append(dst, f.Body...)
	return append(dst, Delimiter...)
}

// Bytes returns the wire form of f.
func (f Frame) Bytes() []byte {
	return f.Append(make([]byte, 0, len(f.Body)+1+len(Delimiter)))
}

// Extract looks for the first delimiter in buf.
//
// Parameters:
//   - buf: Bytes received after the command byte of the current frame
//
// Returns:
//   - body: The bytes before the delimiter (aliases buf)
//   - consumed: len(body) plus the delimiter length
//   - ok: false when buf holds no complete delimiter yet
//
// A delimiter split across two reads is found once both halves are in buf.
func Extract(buf []byte) (body []byte, consumed int, ok bool) {
	i := bytes.Index(buf, Delimiter)
	if i < 0 {
		return nil, 0, false
	}
	return buf[:i], i + len(Delimiter), true
}

// SuccessFrame is the bare RESP_SUCCESS reply.
func SuccessFrame() Frame {
	return Frame{Command: RespSuccess}
}

// ErrorFrame is the bare RESP_ERROR reply.
func ErrorFrame() Frame {
	return Frame{Command: RespError}
}

// GetAllFrame builds the reply to GET_ALL.
func GetAllFrame(cs []character.Character) Frame {
	return Frame{Command: CmdGetAll, Body: character.MarshalList(cs)}
}

// GetOneFrame builds the reply to GET_ONE.
func GetOneFrame(c character.Character) Frame {
	return Frame{Command: CmdGetOne, Body: character.Marshal(c)}
}

// EncodeID encodes a record id the way GET_ONE and REMOVE carry it.
func EncodeID(id int32) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, 4), uint32(id))
}

// DecodeID reads the record id from the first four bytes of body. Anything
// after them is ignored.
func DecodeID(cmd Command, body []byte) (int32, error) {
	if len(body) < 4 {
		return 0, &ProtocolError{
			Command: cmd,
			Err:     fmt.Errorf("%w: need 4 bytes for id, have %d", ErrShortBody, len(body)),
		}
	}
	return int32(binary.LittleEndian.Uint32(body)), nil
}

// GetAllRequest builds a GET_ALL request.
func GetAllRequest() Frame {
	return Frame{Command: CmdGetAll}
}

// GetOneRequest builds a GET_ONE request for id.
func GetOneRequest(id int32) Frame {
	return Frame{Command: CmdGetOne, Body: EncodeID(id)}
}

// RemoveRequest builds a REMOVE_CHARACTER request for id.
func RemoveRequest(id int32) Frame {
	return Frame{Command: CmdRemoveCharacter, Body: EncodeID(id)}
}

// AddRequest builds an ADD_CHARACTER request. The id of c is ignored by the
// server.
func AddRequest(c character.Character) Frame {
	return Frame{Command: CmdAddCharacter, Body: character.Marshal(c)}
}

// UpdateRequest builds an UPDATE_CHARACTER request. The id of c selects the
// record to overwrite.
func UpdateRequest(c character.Character) Frame {
	return Frame{Command: CmdUpdateCharacter, Body: character.Marshal(c)}
}

// Framable reports whether f can be sent without its body being cut short
// by the receiver's delimiter search.
func (f Frame) Framable() bool {
	return !bytes.Contains(f.Body, Delimiter)
}
