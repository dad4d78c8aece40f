package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ls1intum/devicelogs/shared/devicelogs"
)

var ErrUnknownDevice = errors.New("unknown device")

// Authorizer resolves the device addressed by a request into the context its logs are read
// and written under.
type Authorizer interface {
	Authorize(c *gin.Context, uuid string) (devicelogs.LogContext, error)
}

// StaticAuthorizer serves a fixed uuid to device id registry.
type StaticAuthorizer struct {
	devices        map[string]devicelogs.DeviceID
	retentionLimit int
}

func NewStaticAuthorizer(devices map[string]devicelogs.DeviceID, retentionLimit int) *StaticAuthorizer {
	return &StaticAuthorizer{devices: devices, retentionLimit: retentionLimit}
}

func (a *StaticAuthorizer) Authorize(_ *gin.Context, uuid string) (devicelogs.LogContext, error) {
	id, ok := a.devices[uuid]
	if !ok {
		return devicelogs.LogContext{}, fmt.Errorf("%w: %s", ErrUnknownDevice, uuid)
	}
	return devicelogs.LogContext{ID: id, UUID: uuid, RetentionLimit: a.retentionLimit}, nil
}

// ParseDeviceRegistry parses "uuid:id,uuid:id" pairs.
func ParseDeviceRegistry(registry string) (map[string]devicelogs.DeviceID, error) {
	devices := make(map[string]devicelogs.DeviceID)
	for _, entry := range strings.Split(registry, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		uuid, rawID, ok := strings.Cut(entry, ":")
		if !ok || uuid == "" {
			return nil, fmt.Errorf("invalid device registry entry %q", entry)
		}
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid device id in registry entry %q", entry)
		}
		if _, exists := devices[uuid]; exists {
			return nil, fmt.Errorf("duplicate device uuid %q in registry", uuid)
		}
		devices[uuid] = devicelogs.DeviceID(id)
	}
	return devices, nil
}
