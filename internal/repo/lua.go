package repo

import (
	"github.com/redis/go-redis/v9"
)

// ScriptIncrExpire —— INCR, arm PEXPIRE on the first hit of a period
var ScriptIncrExpire = redis.NewScript(`
-- KEYS[1] = usage key
-- ARGV[1] = ttl_ms

local cnt = redis.call('INCR', KEYS[1])
if cnt == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return cnt
`)

// ScriptIncrBelow —— increment only while the count is below the limit
var ScriptIncrBelow = redis.NewScript(`
-- KEYS[1] = usage key
-- ARGV[1] = limit
-- ARGV[2] = ttl_ms

local limit = tonumber(ARGV[1])
local cnt   = tonumber(redis.call('GET', KEYS[1]) or 0)

if cnt >= limit then
  return {0, cnt}
end

cnt = redis.call('INCR', KEYS[1])
if cnt == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, cnt}
`)
