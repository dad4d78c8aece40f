package nats

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ls1intum/devicelogs/shared/devicelogs"
)

// natsSubjectBase is the base NATS subject for all device log messages
const natsSubjectBase = "devicelogs.device"

// deviceSubject returns the NATS subject carrying the logs of one device.
func deviceSubject(id devicelogs.DeviceID) string {
	return fmt.Sprintf("%s.%d", natsSubjectBase, id)
}

func deviceFromSubject(subject string) (devicelogs.DeviceID, bool) {
	suffix, ok := strings.CutPrefix(subject, natsSubjectBase+".")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return devicelogs.DeviceID(id), true
}
