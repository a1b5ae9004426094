// Package wire defines the messages carried between KVS peer sessions
// and their gob-based framing, generalizing the teacher's single
// digest/delta envelope to the five message kinds the sync protocol
// needs (§4.5, §6.1).
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Kind identifies the payload carried by a Message.
type Kind uint8

const (
	KindHashDumpReq Kind = iota + 1
	KindHashDumpResp
	KindKeyGetReq
	KindKeyValsResp
	KindFloodPub
)

func (k Kind) String() string {
	switch k {
	case KindHashDumpReq:
		return "HASH_DUMP_REQ"
	case KindHashDumpResp:
		return "HASH_DUMP_RESP"
	case KindKeyGetReq:
		return "KEY_GET_REQ"
	case KindKeyValsResp:
		return "KEY_VALS_RESP"
	case KindFloodPub:
		return "FLOOD_PUB"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// WireRecord is the on-the-wire shape of a record.Record. It is kept
// distinct from internal/record.Record so that wire evolution (adding a
// field) never has to touch the merge engine's type.
type WireRecord struct {
	Version      uint64
	OriginatorID string
	HasValue     bool
	Value        []byte
	TTLVersion   uint64
	TTL          int64
	HasHash      bool
	Hash         uint64
}

// Message is the single envelope carried over a peer connection. Only
// the fields relevant to Kind are populated; this mirrors the teacher's
// Message{Kind, Digest, Records, Need} envelope in internal/gossip/message.go.
type Message struct {
	Area string
	Kind Kind

	// HASH_DUMP_REQ
	PrefixFilter string

	// HASH_DUMP_RESP
	Hashes map[string]WireRecord

	// KEY_GET_REQ
	Keys []string

	// KEY_VALS_RESP, FLOOD_PUB
	KeyVals         map[string]WireRecord
	ToBeUpdatedKeys []string
}

// maxFrameSize bounds a single decoded message to guard against a
// corrupt or malicious length prefix forcing an unbounded allocation.
const maxFrameSize = 64 * 1024 * 1024

// Encode writes msg to w as a length-prefixed gob frame.
func Encode(w io.Writer, msg Message) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(msg); err != nil {
		return fmt.Errorf("wire: encode message: %w", err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("wire: write message body: %w", err)
	}
	return nil
}

// Decode reads one length-prefixed gob frame from r.
func Decode(r *bufio.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Message{}, err
	}
	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size > maxFrameSize {
		return Message{}, fmt.Errorf("wire: frame size %d exceeds maximum %d", size, maxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("wire: read message body: %w", err)
	}

	var msg Message
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("wire: decode message: %w", err)
	}
	return msg, nil
}
