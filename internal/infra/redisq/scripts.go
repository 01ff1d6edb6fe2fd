package redisq

import "github.com/redis/go-redis/v9"

// KEYS: ready, delayed, reserved
// ARGV: now (unix ms), batch
var promoteScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local batch = tonumber(ARGV[2])
local moved = 0
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, batch)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LPUSH', KEYS[1], id)
  moved = moved + 1
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, batch)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('RPUSH', KEYS[1], id)
  moved = moved + 1
end
return moved
`)

// KEYS: ready, reserved, jobs
// ARGV: lease deadline (unix ms), consume ("1" deletes instead of leasing), count
// Returns a flat id, body, id, body... list.
var takeScript = redis.NewScript(`
local out = {}
local want = tonumber(ARGV[3])
while #out < want * 2 do
  local id = redis.call('RPOP', KEYS[1])
  if not id then break end
  local body = redis.call('HGET', KEYS[3], id)
  if body then
    if ARGV[2] == '1' then
      redis.call('HDEL', KEYS[3], id)
    else
      redis.call('ZADD', KEYS[2], ARGV[1], id)
    end
    table.insert(out, id)
    table.insert(out, body)
  end
end
return out
`)

// KEYS: reserved
// ARGV: id, new deadline (unix ms)
var touchScript = redis.NewScript(`
local cur = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not cur then return 0 end
if tonumber(ARGV[2]) > tonumber(cur) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
end
return 1
`)

// KEYS: reserved, ready, jobs
// ARGV: id, body
// Requeues only a job that is still reserved and not deleted, so a worker
// whose lease already expired cannot bring back a finished job.
var rejectScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 0 then
  redis.call('ZREM', KEYS[1], ARGV[1])
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// KEYS: dedup, stream, registry
// ARGV: window (ms), body, subject
var dedupPublishScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
  return false
end
local id = redis.call('XADD', KEYS[2], '*', 'body', ARGV[2])
redis.call('SET', KEYS[1], id, 'PX', ARGV[1])
redis.call('SADD', KEYS[3], ARGV[3])
return id
`)
