package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/optisync/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

// Redis keeps entity frames in a Redis keyspace shared by every admin
// process. Run it with verstore.Redis so all of them draw versions from the
// same counters.
type Redis struct {
	rdb      goredis.UniversalClient
	owns     bool
	maxBytes int
}

var _ pr.Provider = (*Redis)(nil)

type Config struct {
	Client goredis.UniversalClient
	// CloseClient hands the client to the provider; Close shuts it down.
	CloseClient bool
	// MaxValueBytes refuses frames larger than this without a round trip.
	// The store reports the refusal and serves the next read from the
	// fetcher. Zero means no limit.
	MaxValueBytes int
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.MaxValueBytes < 0 {
		return nil, errors.New("redis provider: negative MaxValueBytes")
	}
	return &Redis{rdb: cfg.Client, owns: cfg.CloseClient, maxBytes: cfg.MaxValueBytes}, nil
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	frame, err := p.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return frame, true, nil
}

// Set writes frame under key. Oversized frames come back ok=false.
func (p *Redis) Set(ctx context.Context, key string, frame []byte, _ int64, ttl time.Duration) (bool, error) {
	if p.maxBytes > 0 && len(frame) > p.maxBytes {
		return false, nil
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := p.rdb.Set(ctx, key, frame, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, key).Err()
}

// Close shuts the client down when the provider owns it. Repeat calls are
// harmless.
func (p *Redis) Close(context.Context) error {
	if !p.owns {
		return nil
	}
	if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
