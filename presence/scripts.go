// This file contains the Lua scripts that make channel mutations atomic.
// Redis serializes script execution, so concurrent mutators of one
// channel agree on who triggered the absent->present and present->absent
// edges, and every diff is published exactly once.
package presence

import "github.com/redis/go-redis/v9"

// presentScript records or refreshes one (user, client) entry.
//
// KEYS: zlist, hash, channel registry set, channel mode hash
// ARGV: entry member, user id, now, expires_at, key ttl seconds,
// channel name, count-only flag
//
// Returns 1 when the user newly became present, 0 otherwise.
var presentScript = redis.NewScript(`
local zlist = KEYS[1]
local hash = KEYS[2]
local channels = KEYS[3]
local modes = KEYS[4]
local entry = ARGV[1]
local userid = ARGV[2]
local now = tonumber(ARGV[3])
local expires = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
local name = ARGV[6]
local countonly = ARGV[7]

redis.call('SADD', channels, name)
redis.call('HSET', modes, name, countonly)

local old = redis.call('ZSCORE', zlist, entry)
local refresh = old and tonumber(old) > now

local first = 1
if not refresh then
  local live = redis.call('ZRANGEBYSCORE', zlist, '(' .. now, '+inf')
  for _, m in ipairs(live) do
    if m ~= entry and string.sub(m, 1, #userid + 1) == userid .. ' ' then
      first = 0
      break
    end
  end
end

redis.call('ZADD', zlist, expires, entry)
redis.call('HSET', hash, entry, userid)
redis.call('EXPIRE', zlist, ttl)
redis.call('EXPIRE', hash, ttl)

if refresh then
  return -1
end
return first
`)

// leaveScript removes one (user, client) entry.
//
// KEYS: zlist, hash
// ARGV: entry member, user id, now, key ttl seconds
//
// Returns -1 when the entry did not exist, 1 when the user's last live
// entry was removed, 0 otherwise.
var leaveScript = redis.NewScript(`
local zlist = KEYS[1]
local hash = KEYS[2]
local entry = ARGV[1]
local userid = ARGV[2]
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local removed = redis.call('ZREM', zlist, entry)
redis.call('HDEL', hash, entry)

if removed == 0 then
  return -1
end

redis.call('EXPIRE', zlist, ttl)
redis.call('EXPIRE', hash, ttl)

local live = redis.call('ZRANGEBYSCORE', zlist, '(' .. now, '+inf')
for _, m in ipairs(live) do
  if string.sub(m, 1, #userid + 1) == userid .. ' ' then
    return 0
  end
end
return 1
`)

// autoLeaveScript evicts every expired entry and reports the users that
// became absent as a result. A user refreshed by a concurrent mutator
// keeps a live entry and is not reported; the refresh wins.
//
// KEYS: zlist, hash
// ARGV: now
var autoLeaveScript = redis.NewScript(`
local zlist = KEYS[1]
local hash = KEYS[2]
local now = tonumber(ARGV[1])

local expired = redis.call('ZRANGEBYSCORE', zlist, '-inf', now)
if #expired == 0 then
  return {}
end

local leaving = {}
local seen = {}
for _, m in ipairs(expired) do
  local userid = redis.call('HGET', hash, m)
  redis.call('ZREM', zlist, m)
  redis.call('HDEL', hash, m)
  if userid and not seen[userid] then
    seen[userid] = true
    leaving[#leaving + 1] = userid
  end
end

local still = {}
local live = redis.call('ZRANGEBYSCORE', zlist, '(' .. now, '+inf')
for _, m in ipairs(live) do
  local u = redis.call('HGET', hash, m)
  if u then
    still[u] = true
  end
end

local out = {}
for _, u in ipairs(leaving) do
  if not still[u] then
    out[#out + 1] = u
  end
end
return out
`)
