package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/johnewart/go-tribes/cluster"
	"zombiezen.com/go/log"
)

const memberKeyPrefix = "member://"

type RedisStore struct {
	redisClient *redis.Client
	ttl         time.Duration
}

type RedisMember struct {
	Host      []byte `json:"host"`
	Port      int    `json:"port"`
	UniqueID  string `json:"unique_id"`
	Domain    []byte `json:"domain,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	AliveTime int64  `json:"alive_time"`
}

// NewRedisStore keeps one key per member that expires after ttl unless the
// member announces itself again.
func NewRedisStore(redisHostPort string, ttl time.Duration) *RedisStore {
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisHostPort,
	})

	return &RedisStore{
		redisClient: redisClient,
		ttl:         ttl,
	}
}

func memberKey(m *cluster.Member) string {
	return memberKeyPrefix + m.UniqueID.String()
}

func (r *RedisStore) Healthy(ctx context.Context) bool {
	if _, err := r.redisClient.Ping(ctx).Result(); err != nil {
		return false
	} else {
		return true
	}
}

func (r *RedisStore) Announce(ctx context.Context, member *cluster.Member) error {
	data, err := json.Marshal(toRedisMember(member))
	if err != nil {
		return fmt.Errorf("unable to marshal member: %v", err)
	}
	if _, err := r.redisClient.Set(ctx, memberKey(member), data, r.ttl).Result(); err != nil {
		return fmt.Errorf("unable to announce member: %v", err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, member *cluster.Member) error {
	return r.redisClient.Del(ctx, memberKey(member)).Err()
}

func (r *RedisStore) GetMembers(ctx context.Context) ([]*cluster.Member, error) {
	members := make([]*cluster.Member, 0)
	var cursor uint64
	for {
		keys, next, err := r.redisClient.Scan(ctx, cursor, memberKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("unable to scan members: %v", err)
		}
		for _, key := range keys {
			res, err := r.redisClient.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("unable to get member %s: %v", key, err)
			}
			m, err := decodeRedisMember([]byte(res))
			if err != nil {
				log.Warnf(ctx, "Skipping undecodable member %s: %v", key, err)
				continue
			}
			members = append(members, m)
		}
		if next == 0 {
			return members, nil
		}
		cursor = next
	}
}

func toRedisMember(m *cluster.Member) RedisMember {
	return RedisMember{
		Host:      m.Host,
		Port:      m.Port,
		UniqueID:  m.UniqueID.String(),
		Domain:    m.Domain,
		Payload:   m.Payload,
		AliveTime: m.AliveTime,
	}
}

func decodeRedisMember(data []byte) (*cluster.Member, error) {
	var rm RedisMember
	if err := json.Unmarshal(data, &rm); err != nil {
		return nil, fmt.Errorf("unable to decode member: %v", err)
	}
	id, err := parseUniqueID(rm.UniqueID)
	if err != nil {
		return nil, err
	}
	return &cluster.Member{
		Host:      rm.Host,
		Port:      rm.Port,
		UniqueID:  id,
		Domain:    rm.Domain,
		Payload:   rm.Payload,
		AliveTime: rm.AliveTime,
	}, nil
}

func parseUniqueID(s string) (cluster.UniqueID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return cluster.UniqueID{}, fmt.Errorf("unable to decode unique id %q: %v", s, err)
	}
	id, ok := cluster.UniqueIDFromBytes(raw)
	if !ok {
		return cluster.UniqueID{}, fmt.Errorf("unique id %q has wrong length", s)
	}
	return id, nil
}
