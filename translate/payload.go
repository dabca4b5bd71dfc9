package translate

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xmidt-org/talaria/sensorlink"
)

type payloadCodec struct {
	size   int // 0 means variable
	decode func([]byte) sensorlink.Payload
	encode func(sensorlink.Payload) []byte
}

// codecs is keyed by the type tag carried on every node.
var codecs = map[sensorlink.PayloadType]payloadCodec{
	sensorlink.PayloadRaw: {
		decode: func(b []byte) sensorlink.Payload { return sensorlink.RawValue(append([]byte(nil), b...)) },
		encode: func(p sensorlink.Payload) []byte { return append([]byte(nil), p.(sensorlink.RawValue)...) },
	},
	sensorlink.PayloadUint8: {
		size:   1,
		decode: func(b []byte) sensorlink.Payload { return sensorlink.Uint8Value(b[0]) },
		encode: func(p sensorlink.Payload) []byte { return []byte{byte(p.(sensorlink.Uint8Value))} },
	},
	sensorlink.PayloadInt32: {
		size: 4,
		decode: func(b []byte) sensorlink.Payload {
			return sensorlink.Int32Value(int32(binary.LittleEndian.Uint32(b)))
		},
		encode: func(p sensorlink.Payload) []byte {
			return binary.LittleEndian.AppendUint32(nil, uint32(p.(sensorlink.Int32Value)))
		},
	},
	sensorlink.PayloadTemperature: {
		size: 2,
		decode: func(b []byte) sensorlink.Payload {
			return sensorlink.Temperature(float64(int16(binary.LittleEndian.Uint16(b))) / 8)
		},
		encode: func(p sensorlink.Payload) []byte {
			raw := int16(math.Round(float64(p.(sensorlink.Temperature)) * 8))
			return binary.LittleEndian.AppendUint16(nil, uint16(raw))
		},
	},
}

// PayloadSize is the fixed wire size of t, or 0 when it is variable.
func PayloadSize(t sensorlink.PayloadType) int {
	return codecs[t].size
}

// DecodePayload decodes b as type t. Failures wrap sensorlink.ErrDecode.
func DecodePayload(t sensorlink.PayloadType, b []byte) (sensorlink.Payload, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, fmt.Errorf("%w: no codec for %s", sensorlink.ErrDecode, t)
	}
	if c.size > 0 && len(b) != c.size {
		return nil, fmt.Errorf("%w: %s wants %d bytes, got %d", sensorlink.ErrDecode, t, c.size, len(b))
	}
	return c.decode(b), nil
}

// EncodePayload is the inverse of DecodePayload.
func EncodePayload(p sensorlink.Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", sensorlink.ErrInvalidParameter)
	}
	c, ok := codecs[p.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: no codec for %s", sensorlink.ErrInvalidParameter, p.Type())
	}
	return c.encode(p), nil
}

// IntegerValue widens integer-valued payloads; accumulators sum raw values.
func IntegerValue(t sensorlink.PayloadType, b []byte) (int64, error) {
	switch t {
	case sensorlink.PayloadUint8:
		if len(b) != 1 {
			break
		}
		return int64(b[0]), nil
	case sensorlink.PayloadInt32:
		if len(b) != 4 {
			break
		}
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case sensorlink.PayloadTemperature:
		if len(b) != 2 {
			break
		}
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	default:
		return 0, fmt.Errorf("%w: %s is not numeric", sensorlink.ErrDecode, t)
	}
	return 0, fmt.Errorf("%w: bad %s width %d", sensorlink.ErrDecode, t, len(b))
}
