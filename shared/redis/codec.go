package redis

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/ls1intum/devicelogs/shared/devicelogs"
)

// schemaVersion tags every stored record. Bump it when storedLog changes shape.
const schemaVersion uint8 = 1

// storedLog is the positional binary schema of a record in the device log list and on the
// fan-out channel: [version, nanoTimestamp, createdAt, timestamp, isSystem, isStdErr, serviceId, message].
type storedLog struct {
	_             struct{} `cbor:",toarray"`
	Version       uint8
	NanoTimestamp uint64
	CreatedAt     int64
	Timestamp     int64
	IsSystem      bool
	IsStdErr      bool
	ServiceID     *int64
	Message       string
}

var encMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("redis: CBOR encoder initialization failed: " + err.Error())
	}
	return mode
}()

// Codec turns internal records into stored bytes and back. The compressor is resolved on
// first use and memoized.
type Codec struct {
	compression Compression
	compressor  func() (Compressor, error)
}

// NewCodec creates a codec using the named compression.
func NewCodec(compression string) (*Codec, error) {
	c, err := ParseCompression(compression)
	if err != nil {
		return nil, err
	}
	return &Codec{
		compression: c,
		compressor: sync.OnceValues(func() (Compressor, error) {
			return newCompressor(c)
		}),
	}, nil
}

// Compression returns the configured algorithm.
func (c *Codec) Compression() Compression {
	return c.compression
}

// Encode serializes log. Failures wrap devicelogs.ErrBackendEncoding.
func (c *Codec) Encode(log devicelogs.InternalLog) ([]byte, error) {
	data, err := encMode.Marshal(storedLog{
		Version:       schemaVersion,
		NanoTimestamp: log.NanoTimestamp,
		CreatedAt:     log.CreatedAt,
		Timestamp:     log.Timestamp,
		IsSystem:      log.IsSystem,
		IsStdErr:      log.IsStdErr,
		ServiceID:     log.ServiceID,
		Message:       log.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", devicelogs.ErrBackendEncoding, err)
	}

	compressor, err := c.compressor()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", devicelogs.ErrBackendEncoding, err)
	}
	if compressor == nil {
		return data, nil
	}
	compressed, err := compressor.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", devicelogs.ErrBackendEncoding, err)
	}
	return compressed, nil
}

// Decode deserializes a stored record. Records written before compression was enabled fail to
// decompress and are read as plain encoded bytes instead.
func (c *Codec) Decode(data []byte) (devicelogs.InternalLog, error) {
	compressor, err := c.compressor()
	if err != nil {
		return devicelogs.InternalLog{}, err
	}
	if compressor == nil {
		return decodeStored(data)
	}

	raw, err := compressor.Decompress(data)
	if err == nil {
		return decodeStored(raw)
	}
	log, rawErr := decodeStored(data)
	if rawErr != nil {
		return devicelogs.InternalLog{}, fmt.Errorf("decompressing record: %w", err)
	}
	return log, nil
}

func decodeStored(data []byte) (devicelogs.InternalLog, error) {
	var stored storedLog
	if err := cbor.Unmarshal(data, &stored); err != nil {
		return devicelogs.InternalLog{}, fmt.Errorf("decoding record: %w", err)
	}
	if stored.Version != schemaVersion {
		return devicelogs.InternalLog{}, fmt.Errorf("decoding record: unknown schema version %d", stored.Version)
	}
	return devicelogs.InternalLog{
		NanoTimestamp: stored.NanoTimestamp,
		CreatedAt:     stored.CreatedAt,
		Timestamp:     stored.Timestamp,
		IsSystem:      stored.IsSystem,
		IsStdErr:      stored.IsStdErr,
		ServiceID:     stored.ServiceID,
		Message:       stored.Message,
	}, nil
}
