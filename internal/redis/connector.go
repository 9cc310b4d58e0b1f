// Package redis dials the Redis deployment backing the credential store.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/keypool/internal/logger"
)

// ConnectOptions describes the Redis endpoint and how hard to try reaching it.
type ConnectOptions struct {
	// Addrs holds one address for a standalone server, several for a cluster.
	Addrs        []string
	MasterName   string // sentinel master, empty otherwise
	User         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	ConnectTimeout time.Duration // total budget for the first successful PING
	RetryInterval  time.Duration // first backoff step, doubled each attempt
	MaxWait        time.Duration // backoff cap
	PingTimeout    time.Duration
	WarnThreshold  int // attempts logged at warn before escalating to error
}

func (o ConnectOptions) validate() error {
	switch {
	case len(o.Addrs) == 0:
		return fmt.Errorf("redis: at least one address is required")
	case o.ConnectTimeout <= 0:
		return fmt.Errorf("redis: ConnectTimeout must be > 0, got %v", o.ConnectTimeout)
	case o.RetryInterval <= 0:
		return fmt.Errorf("redis: RetryInterval must be > 0, got %v", o.RetryInterval)
	case o.MaxWait <= 0:
		return fmt.Errorf("redis: MaxWait must be > 0, got %v", o.MaxWait)
	case o.PingTimeout <= 0:
		return fmt.Errorf("redis: PingTimeout must be > 0, got %v", o.PingTimeout)
	case o.WarnThreshold < 0:
		return fmt.Errorf("redis: WarnThreshold must be >= 0, got %d", o.WarnThreshold)
	}
	return nil
}

func (o ConnectOptions) universal() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        o.Addrs,
		MasterName:   o.MasterName,
		Username:     o.User,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.DialTimeout,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
		PoolSize:     o.PoolSize,
	}
}

// Connect builds a client and blocks until Redis answers PING or
// ConnectTimeout elapses. The caller owns the returned client.
func Connect(ctx context.Context, opts ConnectOptions, log logger.Logger) (redis.UniversalClient, error) {
	if err := opts.validate(); err != nil {
		log.Error("invalid redis options", logger.Error(err))
		return nil, err
	}

	client := redis.NewUniversalClient(opts.universal())
	if err := waitReady(ctx, client, opts, log.With(logger.String("addr", strings.Join(opts.Addrs, ",")))); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// waitReady pings with capped exponential backoff.
func waitReady(ctx context.Context, client redis.UniversalClient, opts ConnectOptions, log logger.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	log.Info("connecting to redis", logger.Duration("timeout", opts.ConnectTimeout))
	start := time.Now()
	wait := opts.RetryInterval

	for attempt := 1; ; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, opts.PingTimeout)
		err := client.Ping(pingCtx).Err()
		pingCancel()

		if err == nil {
			if attempt > 1 {
				log.Warn("connected to redis after retry",
					logger.Int("attempts", attempt),
					logger.Duration("elapsed", time.Since(start)))
			} else {
				log.Info("connected to redis")
			}
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Error("redis unavailable - giving up",
				logger.Int("attempts", attempt),
				logger.Duration("timeout", opts.ConnectTimeout),
				logger.Error(err))
			return fmt.Errorf("redis unavailable after %d attempts (timeout: %v): %w",
				attempt, opts.ConnectTimeout, err)
		case <-timer.C:
		}

		fields := []logger.Field{
			logger.Int("attempt", attempt),
			logger.Duration("next_retry_in", wait),
			logger.Error(err),
		}
		if attempt <= opts.WarnThreshold {
			log.Warn("redis connection failed, retrying", fields...)
		} else {
			log.Error("redis still unavailable", fields...)
		}

		wait *= 2
		if wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
}
