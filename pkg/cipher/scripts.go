package cipher

import "github.com/redis/go-redis/v9"

// Server-side scripts. Each one is the single atomic step of an operation
// whose correctness depends on checking and writing without interleaving.
//
// Return codes shared by the scripts:
//
//	-1  the primary record does not exist
//	-2  the puzzle is not open (inactive, expired or inside lockdown)
//	 0  no change (already done)
//	 1  applied

// openCheck is prepended to scripts that accept player input.
const openCheck = `
local function is_open(puzzle_key, now, lockdown)
  if redis.call('HGET', puzzle_key, 'is_active') ~= '1' then
    return false
  end
  local expires = tonumber(redis.call('HGET', puzzle_key, 'expires_at_ms') or '0')
  return (expires - now) > lockdown
end
`

// KEYS: puzzle hash, active index zset
// ARGV: max_active, puzzle_id, created_at_ms, field/value pairs...
var createActivePuzzleScript = redis.NewScript(`
if redis.call('ZCARD', KEYS[2]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
return 1
`)

// KEYS: puzzle hash, guess hash, puzzle guesses zset, submitter stats hash
// ARGV: now_ms, lockdown_ms, guess_id, created_at_ms, field/value pairs...
var createGuessScript = redis.NewScript(openCheck + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if not is_open(KEYS[1], tonumber(ARGV[1]), tonumber(ARGV[2])) then
  return -2
end
redis.call('HSET', KEYS[2], unpack(ARGV, 5))
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
redis.call('HINCRBY', KEYS[4], 'guesses_submitted', 1)
return 1
`)

// KEYS: puzzle hash, guess hash, guess voters set, voter stats hash
// ARGV: voter_id, now_ms, lockdown_ms
// Returns {code, vote_count}.
var castVoteScript = redis.NewScript(openCheck + `
if redis.call('EXISTS', KEYS[2]) == 0 then
  return {-1, 0}
end
if not is_open(KEYS[1], tonumber(ARGV[2]), tonumber(ARGV[3])) then
  return {-2, tonumber(redis.call('HGET', KEYS[2], 'vote_count'))}
end
if redis.call('SADD', KEYS[3], ARGV[1]) == 0 then
  return {0, tonumber(redis.call('HGET', KEYS[2], 'vote_count'))}
end
local n = redis.call('HINCRBY', KEYS[2], 'vote_count', 1)
redis.call('HINCRBY', KEYS[4], 'rallies_cast', 1)
return {1, n}
`)

// KEYS: puzzle hash
// ARGV: now_ms
var markLockedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'is_active') ~= '1' then
  return 0
end
local locked = tonumber(redis.call('HGET', KEYS[1], 'locked_at_ms') or '0')
if locked ~= nil and locked > 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'locked_at_ms', ARGV[1])
return 1
`)

// KEYS: puzzle hash, active index zset, unsettled zset
// ARGV: puzzle_id, now_ms
var markExpiredScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'is_active') ~= '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'is_active', '0', 'expired_at_ms', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// KEYS: guess hash, puzzle hash
// ARGV: guess_id
var markWinnerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[2], 'is_active') ~= '0' then
  return -2
end
if redis.call('HGET', KEYS[1], 'is_winner') == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'is_winner', '1')
redis.call('HSET', KEYS[2], 'winner_guess_id', ARGV[1])
return 1
`)

// KEYS: settlement hash, leaderboard zset, winner stats hash, voter stats hashes...
// ARGV: win_points, rally_points, winner_id, voter_ids...
// Voter IDs line up with their stats keys from index 4.
var recordWinScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'stats', '1') == 0 then
  return 0
end
redis.call('HINCRBY', KEYS[3], 'wins', 1)
redis.call('HINCRBY', KEYS[3], 'score', ARGV[1])
redis.call('ZINCRBY', KEYS[2], ARGV[1], ARGV[3])
for i = 4, #KEYS do
  redis.call('HINCRBY', KEYS[i], 'accurate_rallies', 1)
  redis.call('HINCRBY', KEYS[i], 'score', ARGV[2])
  redis.call('ZINCRBY', KEYS[2], ARGV[2], ARGV[i])
end
return 1
`)

// KEYS: thread hash, thread breadcrumbs list, global breadcrumbs list, threads set, settlement hash
// ARGV: breadcrumb_json, thread_id, category, threshold, now_ms, guarded
// Returns {breadcrumb_count, unlocked_now, appended}. When guarded is '1' the
// settlement hash admits one breadcrumb per puzzle.
var appendBreadcrumbScript = redis.NewScript(`
if ARGV[6] == '1' and redis.call('HSETNX', KEYS[5], 'breadcrumb', '1') == 0 then
  return {tonumber(redis.call('HGET', KEYS[1], 'breadcrumb_count') or '0'), 0, 0}
end
redis.call('HSETNX', KEYS[1], 'thread_id', ARGV[2])
redis.call('HSETNX', KEYS[1], 'category', ARGV[3])
redis.call('HSETNX', KEYS[1], 'unlock_threshold', ARGV[4])
redis.call('HSETNX', KEYS[1], 'unlocked', '0')
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[2])
local n = redis.call('HINCRBY', KEYS[1], 'breadcrumb_count', 1)
local threshold = tonumber(redis.call('HGET', KEYS[1], 'unlock_threshold'))
if n >= threshold and redis.call('HGET', KEYS[1], 'unlocked') == '0' then
  redis.call('HSET', KEYS[1], 'unlocked', '1', 'unlocked_at_ms', ARGV[5])
  return {n, 1, 1}
end
return {n, 0, 1}
`)

// KEYS: pool list, templates set
// ARGV: template_id, entry
var pushFallbackScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// KEYS: pool list, templates set
var popFallbackScript = redis.NewScript(`
local entry = redis.call('LPOP', KEYS[1])
if not entry then
  return false
end
local sep = string.find(entry, '|', 1, true)
if sep then
  redis.call('SREM', KEYS[2], string.sub(entry, 1, sep - 1))
end
return entry
`)
