package protocol

import (
	"encoding/binary"
	"fmt"
)

// Response codes, grouped by the Kind they're classified into.
const (
	RespErrorA    byte = 0x00
	RespSyncPing  byte = 0x01
	RespErrorB    byte = 0x02
	RespErrorC    byte = 0x03
	RespSyncData  byte = 0x04
	RespDebug     byte = 0x05
	RespErrorD    byte = 0x06
	RespErrorE    byte = 0x08
	RespChecksum  byte = 0x09
	RespFlashInfo byte = 0x0A
	RespChipID    byte = 0x0B
)

// Kind is the tag of the Response sum type.
type Kind int

const (
	KindGeneric Kind = iota
	KindError
	KindSync
	KindDebug
	KindChecksum
	KindFlashInfo
	KindChipID
)

// Response is a classified, CRC-verified reply frame. Fields beyond Header
// and Payload are populated only for the Kind the response was classified
// as; use Kind to discriminate before reading them.
type Response struct {
	Header  Header
	Payload []byte
	Kind    Kind

	// KindChecksum / KindFlashInfo
	Value uint32

	// KindChipID
	ChipID1, ChipID2, ChipID3 byte
	MemSize                   byte
	Revision                  byte
}

var errorCodes = map[byte]bool{
	RespErrorA: true,
	RespErrorB: true,
	RespErrorC: true,
	RespErrorD: true,
	RespErrorE: true,
}

var syncCodes = map[byte]bool{
	RespSyncPing: true,
	RespSyncData: true,
}

// Classify builds a Response from a parsed header and its (already
// CRC-validated, CRC-stripped) payload. It matches the response code
// against each candidate Kind in turn, running that Kind's shape validator;
// on validator failure it falls through to the next candidate, ultimately
// defaulting to KindGeneric. This mirrors the original source's
// Response.parse: a single classification pass, no per-subtype storage.
func Classify(header Header, payload []byte) Response {
	base := Response{Header: header, Payload: payload}

	switch {
	case errorCodes[header.Code]:
		base.Kind = KindError
		return base

	case syncCodes[header.Code]:
		base.Kind = KindSync
		return base

	case header.Code == RespDebug:
		base.Kind = KindDebug
		return base

	case header.Code == RespChecksum && len(payload) == 4:
		base.Kind = KindChecksum
		base.Value = binary.LittleEndian.Uint32(payload)
		return base

	case header.Code == RespFlashInfo && len(payload) == 4:
		base.Kind = KindFlashInfo
		base.Value = binary.LittleEndian.Uint32(payload)
		return base

	case header.Code == RespChipID && len(payload) == 5:
		base.Kind = KindChipID
		base.ChipID1, base.ChipID2, base.ChipID3 = payload[0], payload[1], payload[2]
		base.MemSize = payload[3]
		base.Revision = payload[4]
		return base

	default:
		base.Kind = KindGeneric
		return base
	}
}

// ChipIDString renders the three ASCII identity bytes, e.g. "B96".
func (r Response) ChipIDString() string {
	return string([]byte{r.ChipID1, r.ChipID2, r.ChipID3})
}

// RevisionString renders the packed revision nibble pair as two letters,
// e.g. 0x21 as "CxB".
func (r Response) RevisionString() string {
	major := 'A' + rune(r.Revision>>4)
	minor := 'A' + rune(r.Revision&0x0f)
	return fmt.Sprintf("%cx%c", major, minor)
}
