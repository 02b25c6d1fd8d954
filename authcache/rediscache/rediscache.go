// Package rediscache implements an authcache.Store using redis. Records
// are stored as JSON strings that expire after the configured TTL, each
// uid has a set of its tokens, and a sorted set of all tokens scored by
// expiration time is used to count the live records.
//
// Every command only touches a single key, so that a redis cluster is
// supported by using a *redisc.Cluster as Pool.
package rediscache

import (
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisc"
	"github.com/trippledave/drupal-nodejs/authcache"
	"github.com/trippledave/drupal-nodejs/message"
)

var _ authcache.Store = (*Store)(nil)

// DiscardLog is a no-op logging function that can be used as
// Store.LogFunc to disable logging.
var DiscardLog = func(_ string, _ ...interface{}) {}

// DefaultKeyPrefix is the prefix of the keys when Store.KeyPrefix is
// empty.
const DefaultKeyPrefix = "drupalnodejs"

// Pool defines the methods required for a redis pool that provides
// a method to get a connection and to release the pool's resources.
type Pool interface {
	// Get returns a redis connection.
	Get() redis.Conn

	// Close releases the resources used by the pool.
	Close() error
}

// Store is an authentication record store backed by redis.
type Store struct {
	// prevent unkeyed literals
	_ struct{}

	// Pool is the redis pool or redisc cluster to use to get
	// short-lived connections.
	Pool Pool

	// TTL is the lifetime of a record. It defaults to
	// authcache.DefaultTTL.
	TTL time.Duration

	// KeyPrefix is the prefix of every key used by the store. It
	// defaults to DefaultKeyPrefix.
	KeyPrefix string

	// LogFunc is the logging function to use. If nil, log.Printf
	// is used. It can be set to DiscardLog to disable logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// store.
	Vars *expvar.Map
}

const (
	recordKey = "%s:auth:{%s}" // 1: prefix, 2: token
	uidKey    = "%s:uid:{%d}"  // 1: prefix, 2: uid
	allKey    = "%s:tokens"    // 1: prefix
)

const (
	clusterConnMaxAttempts   = 4
	clusterConnTryAgainDelay = 100 * time.Millisecond
)

func (s *Store) prefix() string {
	if s.KeyPrefix == "" {
		return DefaultKeyPrefix
	}
	return s.KeyPrefix
}

func (s *Store) ttl() time.Duration {
	if s.TTL <= 0 {
		return authcache.DefaultTTL
	}
	return s.TTL
}

func (s *Store) logf(f string, args ...interface{}) {
	if fn := s.LogFunc; fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

func (s *Store) add(key string, delta int64) {
	if s.Vars != nil {
		s.Vars.Add(key, delta)
	}
}

// conn returns a connection bound to key. On a redis cluster the
// connection follows redirections.
func (s *Store) conn(key string) redis.Conn {
	rc := s.Pool.Get()
	if err := redisc.BindConn(rc, key); err == nil {
		if retry, err := redisc.RetryConn(rc, clusterConnMaxAttempts, clusterConnTryAgainDelay); err == nil {
			return retry
		}
	}
	return rc
}

func (s *Store) do(key, cmd string, args ...interface{}) (interface{}, error) {
	rc := s.conn(key)
	defer rc.Close()
	v, err := rc.Do(cmd, args...)
	if err != nil {
		s.add("RedisErrors", 1)
	}
	return v, err
}

// Get implements authcache.Store.
func (s *Store) Get(token string) (*authcache.Record, error) {
	k := fmt.Sprintf(recordKey, s.prefix(), token)
	b, err := redis.Bytes(s.do(k, "GET", k))
	if err != nil {
		if err == redis.ErrNil {
			s.add("CacheMisses", 1)
			return nil, authcache.ErrNotFound
		}
		return nil, err
	}

	var rec authcache.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		s.logf("rediscache: invalid record for token %q: %v", token, err)
		return nil, authcache.ErrNotFound
	}
	s.add("CacheHits", 1)
	return &rec, nil
}

// Put implements authcache.Store.
func (s *Store) Put(rec *authcache.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ttl := s.ttl()
	k := fmt.Sprintf(recordKey, s.prefix(), rec.AuthToken)
	if _, err := s.do(k, "SET", k, b, "PX", int64(ttl/time.Millisecond)); err != nil {
		return err
	}

	uk := fmt.Sprintf(uidKey, s.prefix(), int64(rec.UID))
	if _, err := s.do(uk, "SADD", uk, rec.AuthToken); err != nil {
		return err
	}
	if _, err := s.do(uk, "PEXPIRE", uk, int64(ttl/time.Millisecond)); err != nil {
		return err
	}

	ak := fmt.Sprintf(allKey, s.prefix())
	exp := time.Now().Add(ttl).UnixNano() / int64(time.Millisecond)
	_, err = s.do(ak, "ZADD", ak, exp, rec.AuthToken)
	return err
}

// Delete implements authcache.Store.
func (s *Store) Delete(token string) error {
	rec, err := s.Get(token)
	if err != nil && err != authcache.ErrNotFound {
		return err
	}

	k := fmt.Sprintf(recordKey, s.prefix(), token)
	if _, err := s.do(k, "DEL", k); err != nil {
		return err
	}
	if rec != nil {
		uk := fmt.Sprintf(uidKey, s.prefix(), int64(rec.UID))
		if _, err := s.do(uk, "SREM", uk, token); err != nil {
			return err
		}
	}
	ak := fmt.Sprintf(allKey, s.prefix())
	_, err = s.do(ak, "ZREM", ak, token)
	return err
}

// TokensForUID implements authcache.Store. Tokens whose record expired
// or now belongs to another uid are removed from the uid's set.
func (s *Store) TokensForUID(uid message.UID) ([]string, error) {
	uk := fmt.Sprintf(uidKey, s.prefix(), int64(uid))
	toks, err := redis.Strings(s.do(uk, "SMEMBERS", uk))
	if err != nil {
		return nil, err
	}

	var live []string
	for _, tok := range toks {
		rec, err := s.Get(tok)
		switch {
		case err == authcache.ErrNotFound, err == nil && rec.UID != uid:
			if _, err := s.do(uk, "SREM", uk, tok); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		default:
			live = append(live, tok)
		}
	}
	return live, nil
}

// Len implements authcache.Store.
func (s *Store) Len() (int, error) {
	ak := fmt.Sprintf(allKey, s.prefix())
	now := time.Now().UnixNano() / int64(time.Millisecond)
	if _, err := s.do(ak, "ZREMRANGEBYSCORE", ak, "-inf", now); err != nil {
		return 0, err
	}
	return redis.Int(s.do(ak, "ZCARD", ak))
}
