package redis

const (
	// saveDocumentScript atomically writes a document and records when it was saved
	saveDocumentScript = `
local doc_key = KEYS[1]      -- restatus:doc:{name}
local index_key = KEYS[2]    -- restatus:docs

local name = ARGV[1]
local payload = ARGV[2]
local saved_at = ARGV[3]

redis.call('SET', doc_key, payload)
redis.call('HSET', index_key, name, saved_at)

return 'OK'
`

	// deleteDocumentScript removes a document and its index entry
	deleteDocumentScript = `
local doc_key = KEYS[1]      -- restatus:doc:{name}
local index_key = KEYS[2]    -- restatus:docs

local name = ARGV[1]

local removed = redis.call('DEL', doc_key)
redis.call('HDEL', index_key, name)

return removed
`
)
