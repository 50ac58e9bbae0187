package redis

import goredis "github.com/redis/go-redis/v9"

// Every state change that touches more than one key runs as a script so a
// crashed worker never leaves a job in two structures at once.
//
// Scripts return the literal "ok" on success, the job's current status when
// the transition is not allowed, and nil when the job does not exist.

// claimScript promotes due delayed jobs, then pops the oldest queued job
// and leases it.
//
// KEYS: wait, delayed, active
// ARGV: now ms, lease deadline ms, job key prefix
var claimScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local key = ARGV[3] .. id
  if redis.call('HGET', key, 'status') == 'queued' then
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    redis.call('HSET', key, 'status', 'active', 'started_at', ARGV[1], 'cancel_requested', '0')
    redis.call('HINCRBY', key, 'attempts_made', 1)
    return id
  end
end
`)

// cancelScript fails a waiting job or flags an active one.
//
// KEYS: job, wait, delayed, paused
// ARGV: id, now ms, error, ttl seconds
var cancelScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return false
end
if status == 'queued' or status == 'paused' then
  redis.call('LREM', KEYS[2], 0, ARGV[1])
  redis.call('ZREM', KEYS[3], ARGV[1])
  redis.call('SREM', KEYS[4], ARGV[1])
  redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[3], 'finished_at', ARGV[2])
  if tonumber(ARGV[4]) > 0 then
    redis.call('EXPIRE', KEYS[1], ARGV[4])
  end
  return 'ok'
end
if status == 'active' then
  redis.call('HSET', KEYS[1], 'cancel_requested', '1')
end
return 'ok'
`)

// pauseScript moves a queued job out of the wait structures.
//
// KEYS: job, wait, delayed, paused
// ARGV: id
var pauseScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return false
end
if status == 'paused' then
  return 'ok'
end
if status ~= 'queued' then
  return status
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'paused')
return 'ok'
`)

// resumeScript returns a paused job to the wait list, or to the delayed set
// when its delay has not elapsed.
//
// KEYS: job, wait, delayed, paused
// ARGV: id, now ms
var resumeScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return false
end
if status == 'queued' then
  return 'ok'
end
if status ~= 'paused' then
  return status
end
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'queued')
local delay = tonumber(redis.call('HGET', KEYS[1], 'delay_until') or '0')
if delay > tonumber(ARGV[2]) then
  redis.call('ZADD', KEYS[3], delay, ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 'ok'
`)

// progressScript stores progress on active jobs only.
//
// KEYS: job
// ARGV: pct
var progressScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return false
end
if status == 'active' then
  redis.call('HSET', KEYS[1], 'progress', ARGV[1])
end
return 'ok'
`)

// requeueScript releases an active job back to the tail of the wait list.
//
// KEYS: job, wait, active
// ARGV: id, error
var requeueScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return false
end
if status ~= 'active' then
  return status
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'queued', 'error', ARGV[2], 'progress', '0', 'cancel_requested', '0')
redis.call('RPUSH', KEYS[2], ARGV[1])
return 'ok'
`)

// finishScript stores a terminal outcome and applies retention.
//
// KEYS: job, wait, delayed, active, paused
// ARGV: id, status, result, error, progress, finished ms, remove (0|1), ttl seconds
var finishScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return false
end
if status == 'completed' or status == 'failed' then
  return status
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('SREM', KEYS[5], ARGV[1])
if ARGV[7] == '1' then
  redis.call('DEL', KEYS[1])
  return 'ok'
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'result', ARGV[3], 'error', ARGV[4], 'progress', ARGV[5], 'finished_at', ARGV[6], 'cancel_requested', '0')
if tonumber(ARGV[8]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[8])
end
return 'ok'
`)

// reapScript recovers jobs whose lease expired: requeued while attempts
// remain, failed otherwise. Returns the number of jobs recovered.
//
// KEYS: wait, active
// ARGV: now ms, job key prefix, error, ttl seconds
var reapScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'status') == 'active' then
    local made = tonumber(redis.call('HGET', key, 'attempts_made') or '0')
    local allowed = tonumber(redis.call('HGET', key, 'attempts_allowed') or '1')
    if made < allowed then
      redis.call('HSET', key, 'status', 'queued', 'error', ARGV[3], 'progress', '0', 'cancel_requested', '0')
      redis.call('RPUSH', KEYS[1], id)
    else
      redis.call('HSET', key, 'status', 'failed', 'error', ARGV[3], 'finished_at', ARGV[1], 'cancel_requested', '0')
      if tonumber(ARGV[4]) > 0 then
        redis.call('EXPIRE', key, ARGV[4])
      end
    end
    n = n + 1
  end
end
return n
`)
