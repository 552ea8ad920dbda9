// Package presence tracks which sessions are connected to which document,
// across every server process when backed by redis.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Member is one connected session.
type Member struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
}

// Tracker records session liveness per document. Join doubles as a
// heartbeat: a member that stops refreshing expires after its TTL.
type Tracker interface {
	Join(ctx context.Context, docID, sessionID, name string, ttl time.Duration) error
	Leave(ctx context.Context, docID, sessionID string) error
	Members(ctx context.Context, docID string) ([]Member, error)
	Documents(ctx context.Context) ([]string, error)
}

// Keys:
//
//	presence:room:{docID:<id>}        ZSET sessionID -> expireAt (unix seconds)
//	presence:room:names:{docID:<id>}  HASH sessionID -> display name
//
// The hash tag keeps both keys of a document on one cluster slot.
const (
	keyRoomPrefix = "presence:room:"
	keyRoomFmt    = keyRoomPrefix + "{docID:%s}"
	keyNamesFmt   = keyRoomPrefix + "names:{docID:%s}"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }

// pruneScript drops expired members from both keys.
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// Redis is a Tracker shared by every process pointed at the same redis.
type Redis struct {
	rdb redis.UniversalClient
}

// NewRedis wraps a single-node or cluster client.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

func (p *Redis) Join(ctx context.Context, docID, sessionID, name string, ttl time.Duration) error {
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, namesKey(docID), sessionID, name)
	_, err := tx.Exec(ctx)
	return err
}

func (p *Redis) Leave(ctx context.Context, docID, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), sessionID)
	tx.HDel(ctx, namesKey(docID), sessionID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *Redis) Members(ctx context.Context, docID string) ([]Member, error) {
	now := time.Now().Unix()
	keys := []string{roomKey(docID), namesKey(docID)}
	if err := pruneScript.Run(ctx, p.rdb, keys, now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), alive...).Result()
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(alive))
	for i, id := range alive {
		name, _ := names[i].(string)
		members = append(members, Member{SessionID: id, Name: name})
	}
	return members, nil
}

func (p *Redis) Documents(ctx context.Context) ([]string, error) {
	var docs []string
	iter := p.rdb.Scan(ctx, 0, keyRoomPrefix+"{docID:*}", 0).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), keyRoomPrefix+"{docID:")
		if id := strings.TrimSuffix(k, "}"); id != "" {
			docs = append(docs, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(docs)
	return docs, nil
}

// Local is an in-process Tracker for single-node deployments.
type Local struct {
	mu    sync.Mutex
	rooms map[string]map[string]localMember
}

type localMember struct {
	name     string
	expireAt time.Time
}

func NewLocal() *Local {
	return &Local{rooms: make(map[string]map[string]localMember)}
}

func (l *Local) Join(_ context.Context, docID, sessionID, name string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	room := l.rooms[docID]
	if room == nil {
		room = make(map[string]localMember)
		l.rooms[docID] = room
	}
	room[sessionID] = localMember{name: name, expireAt: time.Now().Add(ttl)}
	return nil
}

func (l *Local) Leave(_ context.Context, docID, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms[docID], sessionID)
	if len(l.rooms[docID]) == 0 {
		delete(l.rooms, docID)
	}
	return nil
}

func (l *Local) Members(_ context.Context, docID string) ([]Member, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	var members []Member
	for id, m := range l.rooms[docID] {
		if !m.expireAt.After(now) {
			delete(l.rooms[docID], id)
			continue
		}
		members = append(members, Member{SessionID: id, Name: m.name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].SessionID < members[j].SessionID })
	return members, nil
}

func (l *Local) Documents(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	docs := make([]string, 0, len(l.rooms))
	for id := range l.rooms {
		docs = append(docs, id)
	}
	sort.Strings(docs)
	return docs, nil
}
