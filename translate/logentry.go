package translate

import (
	"encoding/binary"
	"fmt"

	"github.com/xmidt-org/talaria/sensorlink"
)

const entryHeader = 4

// RawEntry is one undecoded log entry as streamed by the peer.
type RawEntry struct {
	Tick      uint32
	Data      []byte
	Malformed bool
}

// ParseChunk splits a readout chunk payload into its entries. A chunk whose
// entry framing breaks part way yields Malformed entries for the remainder
// of its declared count, so progress accounting still advances.
func ParseChunk(payload []byte) (sensorlink.Slot, []RawEntry, error) {
	if len(payload) < 2 {
		return sensorlink.NoSlot, nil, errShortPayload
	}
	id, n := sensorlink.Slot(payload[0]), int(payload[1])
	rest := payload[2:]
	entries := make([]RawEntry, 0, n)
	for i := 0; i < n; i++ {
		if len(rest) < 1 || int(rest[0]) > len(rest)-1 || rest[0] < entryHeader {
			for ; i < n; i++ {
				entries = append(entries, RawEntry{Malformed: true})
			}
			break
		}
		size := int(rest[0])
		body := rest[1 : 1+size]
		entries = append(entries, RawEntry{
			Tick: binary.LittleEndian.Uint32(body[:entryHeader]),
			Data: append([]byte(nil), body[entryHeader:]...),
		})
		rest = rest[1+size:]
	}
	return id, entries, nil
}

// BuildChunk is the peer side of ParseChunk.
func BuildChunk(id sensorlink.Slot, entries []RawEntry) (Frame, error) {
	p := []byte{byte(id), byte(len(entries))}
	for _, e := range entries {
		size := entryHeader + len(e.Data)
		if size > maxFramePayload {
			return Frame{}, errLongPayload
		}
		p = append(p, byte(size))
		p = binary.LittleEndian.AppendUint32(p, e.Tick)
		p = append(p, e.Data...)
	}
	return Frame{Module: ModuleLogging, Register: RegLogChunk, Payload: p}, nil
}

// DecodeEntry decodes a raw entry with the logged node's payload type.
func DecodeEntry(t sensorlink.PayloadType, e RawEntry) (sensorlink.LogEntry, error) {
	if e.Malformed {
		return sensorlink.LogEntry{}, fmt.Errorf("%w: malformed log entry framing", sensorlink.ErrDecode)
	}
	p, err := DecodePayload(t, e.Data)
	if err != nil {
		return sensorlink.LogEntry{}, err
	}
	return sensorlink.LogEntry{Tick: e.Tick, Payload: p}, nil
}
