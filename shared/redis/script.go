package redis

import (
	"fmt"

	"github.com/ls1intum/devicelogs/shared/devicelogs"
	goredis "github.com/redis/go-redis/v9"
)

// Every key of a device shares the {device:<id>} hash tag so the scripts below touch a
// single cluster slot.

func logsKey(id devicelogs.DeviceID) string {
	return fmt.Sprintf("{device:%d}:logs", id)
}

func bytesWrittenKey(id devicelogs.DeviceID) string {
	return fmt.Sprintf("{device:%d}:logs:bytes-written", id)
}

func presenceKey(id devicelogs.DeviceID) string {
	return fmt.Sprintf("{device:%d}:logs:subscribers", id)
}

func channelName(id devicelogs.DeviceID) string {
	return fmt.Sprintf("{device:%d}:logs", id)
}

func deviceFromChannel(channel string) (devicelogs.DeviceID, bool) {
	var id devicelogs.DeviceID
	if _, err := fmt.Sscanf(channel, "{device:%d}:logs", &id); err != nil {
		return 0, false
	}
	return id, true
}

// publishScript appends the records, trims the list to the retention limit, fans the
// records out only when someone is subscribed, accounts the written bytes and refreshes
// the idle expiry.
//
// KEYS: logs list, presence counter, bytes-written counter, fan-out channel
// ARGV: retention limit, key ttl in seconds, records...
var publishScript = goredis.NewScript(`
	local limit = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])
	local written = 0

	for i = 3, #ARGV do
		redis.call("RPUSH", KEYS[1], ARGV[i])
		written = written + string.len(ARGV[i])
	end

	if limit > 0 then
		redis.call("LTRIM", KEYS[1], -limit, -1)
	else
		redis.call("DEL", KEYS[1])
	end

	if redis.call("EXISTS", KEYS[2]) == 1 then
		for i = 3, #ARGV do
			redis.call("PUBLISH", KEYS[4], ARGV[i])
		end
	end

	redis.call("INCRBY", KEYS[3], written)
	redis.call("EXPIRE", KEYS[1], ttl)
	redis.call("EXPIRE", KEYS[3], ttl)
	return written
`)

// subscribeScript counts a new subscriber and (re)sets the presence expiry.
//
// KEYS: presence counter
// ARGV: presence ttl in seconds
var subscribeScript = goredis.NewScript(`
	local count = redis.call("INCR", KEYS[1])
	redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
	return count
`)

// unsubscribeScript removes a subscriber and deletes the counter once nobody is left.
// A negative result means subscribes and unsubscribes went out of balance.
//
// KEYS: presence counter
var unsubscribeScript = goredis.NewScript(`
	local count = redis.call("DECR", KEYS[1])
	if count <= 0 then
		redis.call("DEL", KEYS[1])
	end
	return count
`)

// refreshPresenceScript extends the presence expiry, restoring the local subscriber count
// when the key expired while this process still had listeners.
//
// KEYS: presence counter
// ARGV: presence ttl in seconds, local subscriber count
var refreshPresenceScript = goredis.NewScript(`
	if redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1])) == 0 then
		redis.call("SET", KEYS[1], ARGV[2], "EX", tonumber(ARGV[1]))
		return 0
	end
	return 1
`)
