// Package exporter implements buffered multipart export uploads. Session
// state lives in the coordination store so an export run survives worker
// crashes and spans many task invocations; the manager flushes buffered
// bytes to object storage as sequential multipart parts.
package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	redisstore "github.com/shelfwise/shelfwise/pkg/store/redis"
	"github.com/shelfwise/shelfwise/pkg/store/s3"
)

// State tracks where an export run is in its lifecycle: initial when the
// session hash is first created, queued once an invocation has picked the
// run up, uploading once bytes have reached object storage.
type State string

const (
	StateInitial   State = "initial"
	StateQueued    State = "queued"
	StateUploading State = "uploading"
)

// DefaultSessionTTL keeps a session alive between task invocations. Every
// mutation refreshes it; an abandoned run expires on its own.
const DefaultSessionTTL = 20 * time.Minute

// Upload describes one key's in-progress multipart upload.
type Upload struct {
	UploadID string
	Parts    []s3.Part
}

// Session state is one coordination store hash. The "lock", "update" and
// "state" fields are bookkeeping; per output key the hash holds "buf:<key>"
// (unflushed bytes), "upload_id:<key>" and "parts:<key>" (JSON part list).
// Every mutation runs as a server-side script that verifies the lock token
// and the update number before touching anything, then increments the
// update number. A stale invocation therefore fails closed instead of
// clobbering a newer run's work.
const (
	fieldLock   = "lock"
	fieldUpdate = "update"
	fieldState  = "state"

	bufPrefix      = "buf:"
	uploadIDPrefix = "upload_id:"
	partsPrefix    = "parts:"

	replyNotHeld    = "NOTHELD"
	replySuperseded = "SUPERSEDED"
	replyExists     = "EXISTS"
)

var (
	acquireScript = goredis.NewScript(`
if redis.call("HSETNX", KEYS[1], "lock", ARGV[1]) == 1 then
  redis.call("HSETNX", KEYS[1], "update", 0)
  redis.call("HSETNX", KEYS[1], "state", ARGV[3])
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
if redis.call("HGET", KEYS[1], "lock") == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 2
end
return 0
`)

	releaseScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "lock") == ARGV[1] then
  redis.call("HDEL", KEYS[1], "lock")
  return 1
end
return 0
`)

	deleteScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "lock") == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

	extendScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "lock") == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	appendBuffersScript = goredis.NewScript(`
local lock = redis.call("HGET", KEYS[1], "lock")
if lock == false or lock ~= ARGV[1] then return redis.error_reply("NOTHELD") end
if redis.call("HGET", KEYS[1], "update") ~= ARGV[2] then return redis.error_reply("SUPERSEDED") end
local lengths = {}
for i = 4, #ARGV, 2 do
  local field = "buf:" .. ARGV[i]
  local cur = redis.call("HGET", KEYS[1], field)
  if cur == false then cur = "" end
  local combined = cur .. ARGV[i+1]
  redis.call("HSET", KEYS[1], field, combined)
  lengths[#lengths + 1] = string.len(combined)
end
redis.call("HINCRBY", KEYS[1], "update", 1)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return lengths
`)

	setUploadIDScript = goredis.NewScript(`
local lock = redis.call("HGET", KEYS[1], "lock")
if lock == false or lock ~= ARGV[1] then return redis.error_reply("NOTHELD") end
if redis.call("HGET", KEYS[1], "update") ~= ARGV[2] then return redis.error_reply("SUPERSEDED") end
if redis.call("HSETNX", KEYS[1], "upload_id:" .. ARGV[4], ARGV[5]) == 0 then
  return redis.error_reply("EXISTS")
end
redis.call("HINCRBY", KEYS[1], "update", 1)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

	addPartScript = goredis.NewScript(`
local lock = redis.call("HGET", KEYS[1], "lock")
if lock == false or lock ~= ARGV[1] then return redis.error_reply("NOTHELD") end
if redis.call("HGET", KEYS[1], "update") ~= ARGV[2] then return redis.error_reply("SUPERSEDED") end
local field = "parts:" .. ARGV[4]
local raw = redis.call("HGET", KEYS[1], field)
local arr
if raw == false then arr = {} else arr = cjson.decode(raw) end
arr[#arr + 1] = cjson.decode(ARGV[5])
redis.call("HSET", KEYS[1], field, cjson.encode(arr))
redis.call("HDEL", KEYS[1], "buf:" .. ARGV[4])
redis.call("HINCRBY", KEYS[1], "update", 1)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return #arr
`)

	setStateScript = goredis.NewScript(`
local lock = redis.call("HGET", KEYS[1], "lock")
if lock == false or lock ~= ARGV[1] then return redis.error_reply("NOTHELD") end
if redis.call("HGET", KEYS[1], "update") ~= ARGV[2] then return redis.error_reply("SUPERSEDED") end
redis.call("HSET", KEYS[1], "state", ARGV[4])
redis.call("HINCRBY", KEYS[1], "update", 1)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

	clearUploadsScript = goredis.NewScript(`
local lock = redis.call("HGET", KEYS[1], "lock")
if lock == false or lock ~= ARGV[1] then return redis.error_reply("NOTHELD") end
if redis.call("HGET", KEYS[1], "update") ~= ARGV[2] then return redis.error_reply("SUPERSEDED") end
local fields = redis.call("HKEYS", KEYS[1])
for _, field in ipairs(fields) do
  if string.sub(field, 1, 4) == "buf:" or string.sub(field, 1, 10) == "upload_id:" or string.sub(field, 1, 6) == "parts:" then
    redis.call("HDEL", KEYS[1], field)
  end
end
redis.call("HINCRBY", KEYS[1], "update", 1)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

	partNumberAndBufferScript = goredis.NewScript(`
local lock = redis.call("HGET", KEYS[1], "lock")
if lock == false or lock ~= ARGV[1] then return redis.error_reply("NOTHELD") end
local n = 0
local raw = redis.call("HGET", KEYS[1], "parts:" .. ARGV[2])
if raw ~= false then n = #cjson.decode(raw) end
local buf = redis.call("HGET", KEYS[1], "buf:" .. ARGV[2])
if buf == false then buf = "" end
return {n + 1, buf}
`)
)

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithSessionTTL overrides the session TTL.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *Session) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSessionToken sets an explicit lock token, so a retried task invocation
// re-enters its own session instead of contending with it.
func WithSessionToken(token string) SessionOption {
	return func(s *Session) {
		if token != "" {
			s.token = token
		}
	}
}

// Session is one export run's persisted upload state.
type Session struct {
	client *goredis.Client
	key    string
	token  string
	ttl    time.Duration

	// updateNumber mirrors the stored counter while the session is held.
	// Scripts compare it server-side before mutating.
	updateNumber int64
}

// NewSession creates a handle for one export run. Nothing is stored until
// Acquire.
func NewSession(store *redisstore.Adapter, sessionID string, opts ...SessionOption) *Session {
	s := &Session{
		client: store.Client(),
		key:    store.Key("upload", sessionID),
		token:  uuid.NewString(),
		ttl:    DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the coordination store key backing this session.
func (s *Session) Key() string {
	return s.key
}

// UpdateNumber returns this invocation's view of the session update counter.
// It is embedded in generated object keys so a superseded invocation cannot
// overwrite a newer run's output.
func (s *Session) UpdateNumber() int64 {
	return s.updateNumber
}

// Acquire takes the session lock, creating the session hash on first use.
// Re-acquiring an already-held session refreshes the TTL. On success the
// local update counter is synchronized with the stored one.
func (s *Session) Acquire(ctx context.Context) (bool, error) {
	res, err := acquireScript.Run(ctx, s.client, []string{s.key},
		s.token, s.ttl.Milliseconds(), string(StateInitial)).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to acquire session %s: %w", s.key, err)
	}
	if res == 0 {
		return false, nil
	}

	stored, err := s.client.HGet(ctx, s.key, fieldUpdate).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to read session update number: %w", err)
	}
	s.updateNumber = stored
	return true, nil
}

// Release drops the session lock but keeps the session state, so the next
// invocation can resume the run.
func (s *Session) Release(ctx context.Context) (bool, error) {
	res, err := releaseScript.Run(ctx, s.client, []string{s.key}, s.token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release session %s: %w", s.key, err)
	}
	return res == 1, nil
}

// Delete removes the whole session. Only the lock holder may delete.
func (s *Session) Delete(ctx context.Context) (bool, error) {
	res, err := deleteScript.Run(ctx, s.client, []string{s.key}, s.token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to delete session %s: %w", s.key, err)
	}
	return res == 1, nil
}

// ExtendTimeout refreshes the session TTL while held.
func (s *Session) ExtendTimeout(ctx context.Context) (bool, error) {
	res, err := extendScript.Run(ctx, s.client, []string{s.key}, s.token, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend session %s: %w", s.key, err)
	}
	return res == 1, nil
}

// AppendBuffers appends bytes to the persisted buffer of each key and
// returns the resulting buffer lengths.
func (s *Session) AppendBuffers(ctx context.Context, buffers map[string][]byte) (map[string]int64, error) {
	if len(buffers) == 0 {
		return map[string]int64{}, nil
	}

	keys := make([]string, 0, len(buffers))
	args := []any{s.token, s.updateNumber, s.ttl.Milliseconds()}
	for key, data := range buffers {
		keys = append(keys, key)
		args = append(args, key, string(data))
	}

	res, err := appendBuffersScript.Run(ctx, s.client, []string{s.key}, args...).Int64Slice()
	if err != nil {
		return nil, s.mapScriptError(err, "append buffers")
	}
	s.updateNumber++

	lengths := make(map[string]int64, len(keys))
	for i, key := range keys {
		lengths[key] = res[i]
	}
	return lengths, nil
}

// SetUploadID records the multipart upload id for a key. Setting it twice is
// an error; the first upload would be orphaned.
func (s *Session) SetUploadID(ctx context.Context, key, uploadID string) error {
	_, err := setUploadIDScript.Run(ctx, s.client, []string{s.key},
		s.token, s.updateNumber, s.ttl.Milliseconds(), key, uploadID).Result()
	if err != nil {
		return s.mapScriptError(err, "set upload id")
	}
	s.updateNumber++
	return nil
}

// AddPartAndClearBuffer appends a completed part descriptor to the key's
// part list and clears its persisted buffer in one atomic step.
func (s *Session) AddPartAndClearBuffer(ctx context.Context, key string, part s3.Part) error {
	encoded, err := json.Marshal(part)
	if err != nil {
		return fmt.Errorf("failed to encode part: %w", err)
	}
	if _, err := addPartScript.Run(ctx, s.client, []string{s.key},
		s.token, s.updateNumber, s.ttl.Milliseconds(), key, string(encoded)).Result(); err != nil {
		return s.mapScriptError(err, "add part")
	}
	s.updateNumber++
	return nil
}

// SetState records the run lifecycle state.
func (s *Session) SetState(ctx context.Context, state State) error {
	if _, err := setStateScript.Run(ctx, s.client, []string{s.key},
		s.token, s.updateNumber, s.ttl.Milliseconds(), string(state)).Result(); err != nil {
		return s.mapScriptError(err, "set state")
	}
	s.updateNumber++
	return nil
}

// State reads the run lifecycle state.
func (s *Session) State(ctx context.Context) (State, error) {
	raw, err := s.client.HGet(ctx, s.key, fieldState).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read session state: %w", err)
	}
	return State(raw), nil
}

// ClearUploads drops all per-key state, keeping the session bookkeeping.
func (s *Session) ClearUploads(ctx context.Context) error {
	if _, err := clearUploadsScript.Run(ctx, s.client, []string{s.key},
		s.token, s.updateNumber, s.ttl.Milliseconds()).Result(); err != nil {
		return s.mapScriptError(err, "clear uploads")
	}
	s.updateNumber++
	return nil
}

// PartNumberAndBuffer returns the next sequential part number for key and
// the persisted, not-yet-flushed buffer contents.
func (s *Session) PartNumberAndBuffer(ctx context.Context, key string) (int32, []byte, error) {
	res, err := partNumberAndBufferScript.Run(ctx, s.client, []string{s.key}, s.token, key).Slice()
	if err != nil {
		return 0, nil, s.mapScriptError(err, "read part number")
	}
	if len(res) != 2 {
		return 0, nil, fmt.Errorf("unexpected script reply of length %d", len(res))
	}

	partNumber, ok := res[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected part number type %T", res[0])
	}
	buffer, _ := res[1].(string)
	return int32(partNumber), []byte(buffer), nil
}

// Uploads returns every key's upload descriptor: buffered-only keys have an
// empty UploadID and no parts.
func (s *Session) Uploads(ctx context.Context) (map[string]Upload, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", s.key, err)
	}
	if fields[fieldLock] != s.token {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotHeld, s.key)
	}

	uploads := make(map[string]Upload)
	for field, value := range fields {
		switch {
		case strings.HasPrefix(field, bufPrefix):
			key := strings.TrimPrefix(field, bufPrefix)
			if _, ok := uploads[key]; !ok {
				uploads[key] = Upload{}
			}
		case strings.HasPrefix(field, uploadIDPrefix):
			key := strings.TrimPrefix(field, uploadIDPrefix)
			upload := uploads[key]
			upload.UploadID = value
			uploads[key] = upload
		case strings.HasPrefix(field, partsPrefix):
			key := strings.TrimPrefix(field, partsPrefix)
			var parts []s3.Part
			if err := json.Unmarshal([]byte(value), &parts); err != nil {
				return nil, fmt.Errorf("failed to decode parts for %s: %w", key, err)
			}
			upload := uploads[key]
			upload.Parts = parts
			uploads[key] = upload
		}
	}
	return uploads, nil
}

// BufferedKeys returns the keys that currently have persisted buffer bytes.
func (s *Session) BufferedKeys(ctx context.Context) ([]string, error) {
	fields, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session fields: %w", err)
	}
	keys := make([]string, 0, len(fields))
	for _, field := range fields {
		if strings.HasPrefix(field, bufPrefix) {
			keys = append(keys, strings.TrimPrefix(field, bufPrefix))
		}
	}
	return keys, nil
}

func (s *Session) mapScriptError(err error, op string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, replyNotHeld):
		return fmt.Errorf("%w: %s", ErrSessionNotHeld, s.key)
	case strings.Contains(msg, replySuperseded):
		return fmt.Errorf("%w: %s", ErrSessionSuperseded, s.key)
	case strings.Contains(msg, replyExists):
		return fmt.Errorf("%w: %s", ErrUploadIDExists, s.key)
	}
	return fmt.Errorf("session %s failed for %s: %w", op, s.key, err)
}
