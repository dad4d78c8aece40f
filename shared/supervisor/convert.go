package supervisor

import (
	"fmt"
	"math"

	"github.com/ls1intum/devicelogs/shared/devicelogs"
	"github.com/valyala/fastjson"
)

// Converter validates raw supervisor log entries and turns them into internal records.
// Raw entries are inspected untyped because the type of every field is part of the validation.
type Converter struct {
	clock  *devicelogs.NanoClock
	parser fastjson.ParserPool
}

// NewConverter creates a converter stamping records from clock. A nil clock uses the wall clock.
func NewConverter(clock *devicelogs.NanoClock) *Converter {
	if clock == nil {
		clock = devicelogs.NewNanoClock(nil)
	}
	return &Converter{clock: clock}
}

// ParseBatch parses a request body holding a JSON array of raw entries and converts it.
func (c *Converter) ParseBatch(body []byte) ([]devicelogs.InternalLog, error) {
	p := c.parser.Get()
	defer c.parser.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", devicelogs.ErrMalformedLogEntry, err)
	}
	entries, err := v.Array()
	if err != nil {
		return nil, fmt.Errorf("%w: expected an array of logs", devicelogs.ErrMalformedLogEntry)
	}
	return c.ConvertBatch(entries)
}

// ConvertBatch converts a whole batch. One invalid entry fails the call, accepting part of a
// batch would silently reorder the stream of the device.
func (c *Converter) ConvertBatch(entries []*fastjson.Value) ([]devicelogs.InternalLog, error) {
	if len(entries) > devicelogs.MaxLogsPerBatch {
		return nil, fmt.Errorf("%w: batches cannot include more than %d logs",
			devicelogs.ErrBatchTooLarge, devicelogs.MaxLogsPerBatch)
	}

	logs := make([]devicelogs.InternalLog, 0, len(entries))
	for i, entry := range entries {
		log, ok, err := c.ConvertLog(entry)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if ok {
			logs = append(logs, log)
		}
	}
	return logs, nil
}

// ConvertLine parses and converts a single NDJSON line.
func (c *Converter) ConvertLine(line []byte) (devicelogs.InternalLog, bool, error) {
	p := c.parser.Get()
	defer c.parser.Put(p)

	v, err := p.ParseBytes(line)
	if err != nil {
		return devicelogs.InternalLog{}, false, fmt.Errorf("%w: invalid JSON: %v", devicelogs.ErrMalformedLogEntry, err)
	}
	return c.ConvertLog(v)
}

// ConvertLog converts one raw entry. It returns ok=false for entries in the legacy per-line
// uuid format, which are dropped without error.
func (c *Converter) ConvertLog(entry *fastjson.Value) (devicelogs.InternalLog, bool, error) {
	if entry == nil || entry.Type() != fastjson.TypeObject {
		return devicelogs.InternalLog{}, false, fmt.Errorf("%w: log must be an object", devicelogs.ErrMalformedLogEntry)
	}

	// Old supervisors tagged each line with the uuid of a dependent device
	if present(entry.Get("uuid")) {
		return devicelogs.InternalLog{}, false, nil
	}

	message := entry.Get("message")
	if message == nil || message.Type() != fastjson.TypeString {
		return devicelogs.InternalLog{}, false, fmt.Errorf("%w: message must be a string", devicelogs.ErrMalformedLogEntry)
	}
	timestamp := entry.Get("timestamp")
	if timestamp == nil || timestamp.Type() != fastjson.TypeNumber {
		return devicelogs.InternalLog{}, false, fmt.Errorf("%w: timestamp must be a number", devicelogs.ErrMalformedLogEntry)
	}

	var serviceID *int64
	if service := entry.Get("serviceId"); present(service) {
		if service.Type() != fastjson.TypeNumber {
			return devicelogs.InternalLog{}, false, fmt.Errorf("%w: serviceId must be a number", devicelogs.ErrMalformedLogEntry)
		}
		id := int64(math.Trunc(service.GetFloat64()))
		serviceID = &id
	}

	nano := c.clock.Next()
	return devicelogs.InternalLog{
		NanoTimestamp: nano,
		CreatedAt:     devicelogs.NanoToMillis(nano),
		Timestamp:     int64(math.Trunc(timestamp.GetFloat64())),
		IsSystem:      isTrue(entry.Get("isSystem")),
		IsStdErr:      isTrue(entry.Get("isStdErr")),
		ServiceID:     serviceID,
		Message:       string(message.GetStringBytes()),
	}, true, nil
}

func present(v *fastjson.Value) bool {
	return v != nil && v.Type() != fastjson.TypeNull
}

func isTrue(v *fastjson.Value) bool {
	return v != nil && v.Type() == fastjson.TypeTrue
}
