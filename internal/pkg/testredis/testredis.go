// Package testredis locates a Redis instance for integration tests and skips
// the test when none is reachable.
package testredis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ManuelReschke/payhook/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

func resolve(t *testing.T) (string, string, string) {
	t.Helper()

	hosts := unique(env.GetEnv("CACHE_HOST", ""), "cache", "payhook-cache", "localhost", "127.0.0.1")
	ports := unique(env.GetEnv("CACHE_PORT", "6379"), "6379")
	passwords := []string{env.GetEnv("CACHE_PASSWORD", "")}
	if passwords[0] != "" {
		passwords = append(passwords, "")
	}

	var lastErr error
	for _, host := range hosts {
		for _, port := range ports {
			for _, password := range passwords {
				client := redis.NewClient(&redis.Options{
					Addr:     fmt.Sprintf("%s:%s", host, port),
					Password: password,
					DB:       0,
				})

				ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
				_, err := client.Ping(ctx).Result()
				cancel()
				_ = client.Close()
				if err == nil {
					return host, port, password
				}
				lastErr = err
			}
		}
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return "", "", ""
}

// NewClient returns a client on an isolated, flushed database. The database
// is flushed again when the test ends.
func NewClient(t *testing.T, db int) *redis.Client {
	t.Helper()

	host, port, password := resolve(t)
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, err := client.Ping(ctx).Result()
	cancel()
	if err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis-dependent test: isolated DB ping failed (%v)", err)
	}

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("failed to flush isolated redis db %d: %v", db, err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})

	return client
}

func unique(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
