package distributed

import "github.com/redis/go-redis/v9"

// electBody picks the member with the lowest connectedAt score, pruning
// members whose connection key expired, and makes it leader. Equal scores
// keep join order: the lowest sequence number in orderKey wins. It returns
// false when no live member remains.
const electBody = `
local function elect(membersKey, orderKey, leaderKey, connPrefix, ttl)
  while true do
    local first = redis.call('ZRANGE', membersKey, 0, 0, 'WITHSCORES')
    if #first == 0 then
      redis.call('DEL', leaderKey)
      return false
    end
    local id, best = nil, nil
    for _, m in ipairs(redis.call('ZRANGEBYSCORE', membersKey, first[2], first[2])) do
      local seq = tonumber(redis.call('HGET', orderKey, m) or '') or math.huge
      if best == nil or seq < best then
        id, best = m, seq
      end
    end
    if redis.call('EXISTS', connPrefix .. id) == 1 then
      redis.call('SET', leaderKey, id, 'EX', ttl)
      redis.call('HSET', connPrefix .. id, 'leader', '1')
      redis.call('EXPIRE', membersKey, ttl)
      return id
    end
    redis.call('ZREM', membersKey, id)
    redis.call('HDEL', orderKey, id)
  end
end

local function liveLeader(membersKey, leaderKey, connPrefix)
  local current = redis.call('GET', leaderKey)
  if not current then
    return false
  end
  if redis.call('EXISTS', connPrefix .. current) == 1 and redis.call('ZSCORE', membersKey, current) then
    return current
  end
  return false
end
`

// joinScript adds a connection to a session's members, numbering it on its
// first join so equal connectedAt scores keep join order.
// KEYS: members, order, seq, conn. ARGV: conn id, connectedAt ms, ttl,
// session id. Returns -1 when the connection key is gone.
var joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 0 then
  return -1
end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 0 then
  redis.call('HSET', KEYS[2], ARGV[1], redis.call('INCR', KEYS[3]))
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
redis.call('EXPIRE', KEYS[3], ARGV[3])
redis.call('HSET', KEYS[4], 'session', ARGV[4])
redis.call('EXPIRE', KEYS[4], ARGV[3])
return 1
`)

// claimScript is ClaimIfAbsent.
// KEYS: leader, candidate conn, members. ARGV: candidate id, conn prefix, ttl.
// Returns 1 when the candidate leads, 0 when someone else does, -1 when the
// candidate's connection key is gone.
var claimScript = redis.NewScript(electBody + `
if redis.call('EXISTS', KEYS[2]) == 0 then
  return -1
end
local current = liveLeader(KEYS[3], KEYS[1], ARGV[2])
if current == ARGV[1] then
  return 1
end
if current then
  return 0
end
local stale = redis.call('GET', KEYS[1])
if stale and redis.call('EXISTS', ARGV[2] .. stale) == 1 then
  redis.call('HSET', ARGV[2] .. stale, 'leader', '0')
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[3])
redis.call('HSET', KEYS[2], 'leader', '1')
return 1
`)

// transferScript is TransferIfMatches: remove the departing member and, only
// if it held leadership (or nobody did), elect its successor.
// KEYS: members, leader, departing conn, order. ARGV: departing id, conn
// prefix, ttl. Returns {wasLeader, newLeader or '', remaining}.
var transferScript = redis.NewScript(electBody + `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
if redis.call('EXISTS', KEYS[3]) == 1 then
  redis.call('HSET', KEYS[3], 'leader', '0', 'session', '')
end
local current = redis.call('GET', KEYS[2])
local wasLeader = 0
local newLeader = ''
if current == ARGV[1] then
  wasLeader = 1
end
if wasLeader == 1 or not current then
  local id = elect(KEYS[1], KEYS[4], KEYS[2], ARGV[2], ARGV[3])
  if id then
    newLeader = id
  end
end
return {wasLeader, newLeader, redis.call('ZCARD', KEYS[1])}
`)

// ensureLeaderScript is ElectFromMembers for sessions whose leader is missing
// or dead. KEYS: members, leader, order. ARGV: conn prefix, ttl.
// Returns {leader or '' for an empty session, 1 if this call elected it}.
var ensureLeaderScript = redis.NewScript(electBody + `
local current = liveLeader(KEYS[1], KEYS[2], ARGV[1])
if current then
  return {current, 0}
end
local id = elect(KEYS[1], KEYS[3], KEYS[2], ARGV[1], ARGV[2])
if id then
  return {id, 1}
end
return {'', 0}
`)

// casScript writes a queue if the stored version matches. Keeping the
// current climb still clears it when the new queue drops it.
// KEYS: state. ARGV: expected ('' = any), queue json, current json,
// keep current ('1'), updatedAt ms, ttl.
// Returns the new version, -1 on conflict, -2 if the session is missing.
var casScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -2
end
local v = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if ARGV[1] ~= '' and tonumber(ARGV[1]) ~= v then
  return -1
end
local function queued(raw, id)
  if not raw or raw == '' then
    return false
  end
  for _, it in ipairs(cjson.decode(raw)) do
    if it.uuid == id then
      return true
    end
  end
  return false
end
if ARGV[4] == '1' then
  local cur = redis.call('HGET', KEYS[1], 'current')
  if cur and cur ~= '' and cur ~= 'null' then
    local id = cjson.decode(cur).uuid
    if queued(redis.call('HGET', KEYS[1], 'queue'), id) and not queued(ARGV[2], id) then
      redis.call('HSET', KEYS[1], 'current', '')
    end
  end
else
  redis.call('HSET', KEYS[1], 'current', ARGV[3])
end
v = v + 1
redis.call('HSET', KEYS[1], 'version', tostring(v), 'queue', ARGV[2], 'updatedAt', ARGV[5])
redis.call('EXPIRE', KEYS[1], ARGV[6])
return v
`)

// initScript stores a session unless one exists. KEYS: state.
// ARGV: board, version, queue, current, createdAt, updatedAt, ttl.
var initScript = redis.NewScript(`
local created = 0
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'board', ARGV[1], 'version', ARGV[2], 'queue', ARGV[3],
    'current', ARGV[4], 'createdAt', ARGV[5], 'updatedAt', ARGV[6])
  created = 1
end
redis.call('EXPIRE', KEYS[1], ARGV[7])
return created
`)

// reapScript deletes a session's keys when its membership is empty.
// KEYS: members, leader, state, order, seq.
var reapScript = redis.NewScript(`
if redis.call('ZCARD', KEYS[1]) > 0 then
  return 0
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5])
return 1
`)

// updateConnScript changes display fields of an existing connection only.
// KEYS: conn. ARGV: username, avatar.
var updateConnScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'username', ARGV[1], 'avatar', ARGV[2])
return 1
`)
