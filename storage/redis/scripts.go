package redis

import goredis "github.com/redis/go-redis/v9"

// Script results.
const (
	scriptOK       = 1
	scriptLost     = 0
	scriptNotFound = -1
	scriptExists   = -2
)

// createScript stores a new record hash unless the key exists, and
// optionally indexes it in a set. The flag starts set when the optional
// tombstone key exists.
//
// KEYS[1] record key, KEYS[2] optional index set, KEYS[3] optional tombstone
// ARGV[1] data, ARGV[2] flag field, ARGV[3] ttl ms (0 = none), ARGV[4] index member,
// ARGV[5] "1" to stretch the index TTL to cover the record
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -2
end
local flag = '0'
if #KEYS > 2 and redis.call('EXISTS', KEYS[3]) == 1 then
  flag = '1'
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], ARGV[2], flag)
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
if #KEYS > 1 then
  redis.call('SADD', KEYS[2], ARGV[4])
  if ttl > 0 and ARGV[5] == '1' then
    local cur = redis.call('PTTL', KEYS[2])
    if cur >= -1 and cur < ttl then
      redis.call('PEXPIRE', KEYS[2], ttl)
    end
  end
end
return 1
`)

// consumeScript flips the consumed flag of an authorization code once.
//
// KEYS[1] code key
var consumeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 1
`)

// rotateScript revokes the presented refresh token and stores its
// successor pair, unless the presented token is already revoked.
//
// KEYS[1] old refresh key, KEYS[2] new access key, KEYS[3] new refresh key, KEYS[4] family set
// ARGV[1] access data, ARGV[2] access ttl ms, ARGV[3] refresh data, ARGV[4] refresh ttl ms
var rotateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
  return 0
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return -2
end
redis.call('HSET', KEYS[1], 'revoked', '1')
redis.call('HSET', KEYS[2], 'data', ARGV[1], 'revoked', '0')
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[2], tonumber(ARGV[2]))
end
redis.call('HSET', KEYS[3], 'data', ARGV[3], 'revoked', '0')
local ttl = tonumber(ARGV[4])
redis.call('SADD', KEYS[4], KEYS[2], KEYS[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[3], ttl)
  local cur = redis.call('PTTL', KEYS[4])
  if cur >= -1 and cur < ttl then
    redis.call('PEXPIRE', KEYS[4], ttl)
  end
end
return 1
`)

// revokeScript sets the revoked flag of an existing record.
//
// KEYS[1] record key
var revokeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
redis.call('HSET', KEYS[1], 'revoked', '1')
return 1
`)

// revokeFamilyScript revokes every live member of a family set, leaves a
// tombstone for members created later and returns how many flags changed.
//
// KEYS[1] family set, KEYS[2] tombstone
// ARGV[1] tombstone ttl ms
var revokeFamilyScript = goredis.NewScript(`
redis.call('SET', KEYS[2], '1', 'PX', tonumber(ARGV[1]))
local n = 0
for _, k in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  if redis.call('EXISTS', k) == 1 and redis.call('HGET', k, 'revoked') ~= '1' then
    redis.call('HSET', k, 'revoked', '1')
    n = n + 1
  end
end
return n
`)
