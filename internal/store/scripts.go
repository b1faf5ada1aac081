package store

import "github.com/redis/go-redis/v9"

// Room key layout. The active log holds versions revision+1..revision+LLEN,
// the cleared list holds the LLEN(cleared) versions ending at revision.
// Entry versions are positional and never stored inside the entries.
//
// collect returns {base, last, entries} for versions in [from, to] (to < 0
// means unbounded), where base is the version of the first entry returned
// and last is the newest version held.
const collectFn = `
local function collect(logKey, revKey, clearedKey, from, to)
  local revision = tonumber(redis.call('GET', revKey) or '0')
  local pending = redis.call('LLEN', clearedKey)
  local active = redis.call('LLEN', logKey)
  local first = revision - pending + 1
  local last = revision + active
  if from < first then from = first end
  if to < 0 or to > last then to = last end
  local out = {}
  if from > to then return {from, last, out} end
  if from <= revision then
    local stop = math.min(to, revision)
    local items = redis.call('LRANGE', clearedKey, from - first, stop - first)
    for _, v in ipairs(items) do out[#out + 1] = v end
  end
  if to > revision then
    local start = math.max(from, revision + 1)
    local items = redis.call('LRANGE', logKey, start - revision - 1, to - revision - 1)
    for _, v in ipairs(items) do out[#out + 1] = v end
  end
  return {from, last, out}
end
`

// KEYS: log, revision, cleared, version
// ARGV: operation, client version, threshold
// Returns {-1} when the client version is outside what the room holds.
var insertScript = redis.NewScript(collectFn + `
local revision = tonumber(redis.call('GET', KEYS[2]) or '0')
local current = tonumber(redis.call('GET', KEYS[4]) or '0')
local first = revision - redis.call('LLEN', KEYS[3]) + 1
local clientVersion = tonumber(ARGV[2])
if clientVersion > current or clientVersion + 1 < first then
  return {-1}
end
local version = redis.call('INCR', KEYS[4])
redis.call('RPUSH', KEYS[1], ARGV[1])
local concurrent = collect(KEYS[1], KEYS[2], KEYS[3], clientVersion + 1, -1)
local threshold = tonumber(ARGV[3])
local clearedBase = 0
local cleared = {}
if threshold > 0 and redis.call('LLEN', KEYS[1]) > threshold then
  cleared = redis.call('LRANGE', KEYS[1], 0, threshold - 1)
  redis.call('LTRIM', KEYS[1], threshold, -1)
  for _, v in ipairs(cleared) do redis.call('RPUSH', KEYS[3], v) end
  redis.call('SET', KEYS[2], revision + #cleared)
  clearedBase = revision + 1
end
return {version, concurrent[1], concurrent[2], concurrent[3], clearedBase, cleared}
`)

// KEYS: log, revision, cleared
// ARGV: operation, version
// Returns 1 when written, 0 when the version is not held and 2 when the entry
// already holds its final form. Final entries are never overwritten.
var updateRecordScript = redis.NewScript(`
local revision = tonumber(redis.call('GET', KEYS[2]) or '0')
local version = tonumber(ARGV[2])
local key, idx
if version > revision then
  key, idx = KEYS[1], version - revision - 1
  if idx >= redis.call('LLEN', KEYS[1]) then return 0 end
else
  key, idx = KEYS[3], redis.call('LLEN', KEYS[3]) - (revision - version) - 1
  if idx < 0 then return 0 end
end
local cur = redis.call('LINDEX', key, idx)
if not cur then return 0 end
if cjson.decode(cur).isTransformed then return 2 end
redis.call('LSET', key, idx, ARGV[1])
return 1
`)

// KEYS: log, revision, cleared
// ARGV: from, to
var rangeScript = redis.NewScript(collectFn + `
return collect(KEYS[1], KEYS[2], KEYS[3], tonumber(ARGV[1]), tonumber(ARGV[2]))
`)

const evictFn = `
local function evict(revKey, clearedKey, upto)
  local revision = tonumber(redis.call('GET', revKey) or '0')
  local pending = redis.call('LLEN', clearedKey)
  local first = revision - pending + 1
  local n = math.min(upto, revision) - first + 1
  if n <= 0 then return 0 end
  if n >= pending then
    redis.call('DEL', clearedKey)
  else
    redis.call('LTRIM', clearedKey, n, -1)
  end
  return n
end
`

// KEYS: revision, cleared
// ARGV: upto version
var evictClearedScript = redis.NewScript(evictFn + `
return evict(KEYS[1], KEYS[2], tonumber(ARGV[1]))
`)

// KEYS: log, revision, cleared, version
// ARGV: last persisted version
// Moves active entries up to the persisted version onto the cleared list so
// only unsaved versions stay active. The counter is kept, numbering never
// restarts. Returns 1 when no version after the persisted one was issued.
var resetRoomScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[4]) or '0')
local revision = tonumber(redis.call('GET', KEYS[2]) or '0')
local upto = tonumber(ARGV[1])
local n = math.min(upto, current) - revision
if n > 0 then
  local items = redis.call('LRANGE', KEYS[1], 0, n - 1)
  for _, v in ipairs(items) do redis.call('RPUSH', KEYS[3], v) end
  redis.call('LTRIM', KEYS[1], #items, -1)
  redis.call('SET', KEYS[2], revision + #items)
end
if current == upto then return 1 end
return 0
`)

// KEYS: revision, version
// ARGV: version
var seedRoomScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[1])
return 1
`)
