package tablestore

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"banhammer/internal/codec"
	"banhammer/internal/domain"
)

const redisScanCount = 512

// RedisStore keeps each (table, family) pair in one hash. The field is the
// address literal and the value the decimal table value. Tables exist
// implicitly, so TableNotFound is never reported.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *log.Logger
	owned  bool
}

// NewRedisStore wraps client. Close only closes the client when owned is set.
func NewRedisStore(client *redis.Client, prefix string, owned bool, logger *log.Logger) *RedisStore {
	if prefix == "" {
		prefix = "banhammer"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisStore{client: client, prefix: prefix, owned: owned, logger: logger}
}

func (r *RedisStore) key(table domain.TableID, family domain.Family) string {
	return fmt.Sprintf("%s:table:%d:%s", r.prefix, table, family)
}

func (r *RedisStore) Upsert(ctx context.Context, table domain.TableID, addr netip.Addr, value uint32) error {
	key, err := codec.EncodeAddr(addr)
	if err != nil {
		return newError(TransportFailure, table, "upsert", err)
	}
	field := addr.Unmap().String()
	if err := r.client.HSet(ctx, r.key(table, key.Family), field, strconv.FormatUint(uint64(value), 10)).Err(); err != nil {
		return newError(classifyRedis(err), table, "upsert", err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, table domain.TableID, addr netip.Addr) error {
	key, err := codec.EncodeAddr(addr)
	if err != nil {
		return newError(TransportFailure, table, "remove", err)
	}
	if err := r.client.HDel(ctx, r.key(table, key.Family), addr.Unmap().String()).Err(); err != nil {
		return newError(classifyRedis(err), table, "remove", err)
	}
	return nil
}

func (r *RedisStore) Enumerate(ctx context.Context, table domain.TableID) ([]Record, error) {
	var records []Record
	for _, family := range []domain.Family{domain.FamilyV4, domain.FamilyV6} {
		hash := r.key(table, family)
		var cursor uint64
		for {
			pairs, next, err := r.client.HScan(ctx, hash, cursor, "", redisScanCount).Result()
			if err != nil {
				return nil, newError(classifyRedis(err), table, "enumerate", err)
			}
			for i := 0; i+1 < len(pairs); i += 2 {
				rec, err := parseRedisField(family, pairs[i], pairs[i+1])
				if err != nil {
					r.logger.Warn("skipping malformed table field", "key", hash, "field", pairs[i], "error", err)
					continue
				}
				records = append(records, rec)
			}
			if next == 0 {
				break
			}
			cursor = next
		}
	}
	records = dedupeRecords(records)
	sortRecords(records)
	return records, nil
}

func (r *RedisStore) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func parseRedisField(family domain.Family, field, raw string) (Record, error) {
	addr, err := codec.ParseAddr(field)
	if err != nil {
		return Record{}, err
	}
	if domain.FamilyOf(addr) != family {
		return Record{}, &codec.Error{Kind: codec.FamilyMismatch, Detail: fmt.Sprintf("%s stored under %s", addr, family)}
	}
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("value %q: %w", raw, err)
	}
	return Record{Address: addr, Value: uint32(value)}, nil
}

// dedupeRecords drops repeated fields that HSCAN may return while the hash is rehashed.
func dedupeRecords(records []Record) []Record {
	seen := make(map[netip.Addr]struct{}, len(records))
	out := records[:0]
	for _, rec := range records {
		if _, ok := seen[rec.Address]; ok {
			continue
		}
		seen[rec.Address] = struct{}{}
		out = append(out, rec)
	}
	return out
}

func classifyRedis(err error) ErrorKind {
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		if strings.HasPrefix(msg, "NOPERM") || strings.HasPrefix(msg, "NOAUTH") || strings.HasPrefix(msg, "WRONGPASS") {
			return PermissionDenied
		}
	}
	return TransportFailure
}
