package queue

import "github.com/redis/go-redis/v9"

// reserveScript atomically moves the highest-scored pending message into
// the in-flight set under a lease and returns {id, body}. Returns nil when
// the queue is empty. A pending id without a body is dropped.
//
// KEYS[1] = pending
// KEYS[2] = inflight
// KEYS[3] = messages
// ARGV[1] = lease deadline in ms.
var reserveScript = redis.NewScript(`
	local ids = redis.call('ZREVRANGE', KEYS[1], 0, 0)
	if #ids == 0 then
		return false
	end
	local id = ids[1]
	redis.call('ZREM', KEYS[1], id)
	local body = redis.call('HGET', KEYS[3], id)
	if not body then
		return false
	end
	redis.call('ZADD', KEYS[2], ARGV[1], id)
	return {id, body}
`)

// reclaimScript returns expired leases to the pending set, keeping each
// message's priority but placing it behind messages already waiting at that
// priority. Returns the reclaimed ids.
//
// KEYS[1] = inflight
// KEYS[2] = pending
// KEYS[3] = messages
// KEYS[4] = sequence
// ARGV[1] = now in ms
// ARGV[2] = max messages to reclaim
// ARGV[3] = priority scale.
var reclaimScript = redis.NewScript(`
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
	local reclaimed = {}
	for _, id in ipairs(ids) do
		redis.call('ZREM', KEYS[1], id)
		local body = redis.call('HGET', KEYS[3], id)
		if body then
			local priority = 0
			local ok, msg = pcall(cjson.decode, body)
			if ok and type(msg) == 'table' and type(msg['job']) == 'table' then
				priority = tonumber(msg['job']['priority']) or 0
			end
			local seq = redis.call('INCR', KEYS[4])
			redis.call('ZADD', KEYS[2], string.format('%.0f', priority * tonumber(ARGV[3]) - seq), id)
			table.insert(reclaimed, id)
		end
	end
	return reclaimed
`)
