package inspector

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/deskmux/internal/wsmux"
)

// DefaultRedisKey prefixes the per-direction lists.
const DefaultRedisKey = "deskmux:frames"

// RedisJournal keeps entries in one capped Redis list per direction, so that
// several clients or restarts can share a journal.
type RedisJournal struct {
	client   redis.UniversalClient
	key      string
	capacity int
}

// NewRedisJournal connects to addr, a host:port or a redis://, rediss:// or
// redis-sentinel:// URL.
func NewRedisJournal(ctx context.Context, addr, key string, capacity int) (*RedisJournal, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultRedisKey
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("inspector: redis ping: %w", err)
	}
	return &RedisJournal{client: c, key: key, capacity: capacity}, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	q := u.Query()
	db := q.Get("db")
	switch u.Scheme {
	case "redis", "rediss":
		if p := strings.TrimPrefix(u.Path, "/"); p != "" {
			db = p
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid db: %v", err)
		}
		opts.DB = n
	}
	if strings.HasPrefix(u.Scheme, "rediss") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

func (j *RedisJournal) listKey(direction string) string { return j.key + ":" + direction }

func (j *RedisJournal) Append(ctx context.Context, e wsmux.Entry) error {
	if err := checkDirection(e.Direction); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	k := j.listKey(e.Direction)
	_, err = j.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, k, b)
		p.LTrim(ctx, k, 0, int64(j.capacity-1))
		return nil
	})
	return err
}

func (j *RedisJournal) List(ctx context.Context, direction string, limit int) ([]wsmux.Entry, error) {
	if err := checkDirection(direction); err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := j.client.LRange(ctx, j.listKey(direction), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]wsmux.Entry, 0, len(raw))
	for _, s := range raw {
		var e wsmux.Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (j *RedisJournal) Clear(ctx context.Context) error {
	return j.client.Del(ctx, j.listKey(wsmux.DirectionSent), j.listKey(wsmux.DirectionReceived)).Err()
}

// Close releases the Redis connection.
func (j *RedisJournal) Close() error { return j.client.Close() }
