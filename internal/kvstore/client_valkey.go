package kvstore

import (
	"context"
	"fmt"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

// ValkeyClient adapts a valkey-go connection to the Client interface,
// grounded on the command-building style (B().Set()/.../Build(), EVAL via
// B().Eval(), SCAN-based List, MGET) of the AzielCF Valkey session
// repository in the retrieval pack.
type ValkeyClient struct {
	inner valkeylib.Client
}

// NewValkeyClient wraps an already-connected valkey-go client.
func NewValkeyClient(inner valkeylib.Client) *ValkeyClient {
	return &ValkeyClient{inner: inner}
}

func (c *ValkeyClient) Eval(ctx context.Context, script string, keys []string, args []interface{}) (interface{}, error) {
	builder := c.inner.B().Eval().Script(script).Numkeys(int64(len(keys))).Key(keys...)
	strArgs := make([]string, len(args))
	for i, a := range args {
		strArgs[i] = fmt.Sprint(a)
	}
	cmd := builder.Arg(strArgs...).Build()
	resp := c.inner.Do(ctx, cmd)
	if err := resp.Error(); err != nil {
		return nil, err
	}
	if n, err := resp.AsInt64(); err == nil {
		return n, nil
	}
	s, err := resp.ToString()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *ValkeyClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	cmd := c.inner.B().Hgetall().Key(key).Build()
	return c.inner.Do(ctx, cmd).AsStrMap()
}

func (c *ValkeyClient) Expire(ctx context.Context, key string, ttlSeconds int64) (bool, error) {
	cmd := c.inner.B().Expire().Key(key).Seconds(ttlSeconds).Build()
	n, err := c.inner.Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *ValkeyClient) Delete(ctx context.Context, key string) (int64, error) {
	cmd := c.inner.B().Del().Key(key).Build()
	return c.inner.Do(ctx, cmd).AsInt64()
}

func (c *ValkeyClient) LPush(ctx context.Context, key string, value string) (int64, error) {
	cmd := c.inner.B().Lpush().Key(key).Element(value).Build()
	return c.inner.Do(ctx, cmd).AsInt64()
}

func (c *ValkeyClient) Exists(ctx context.Context, key string) (bool, error) {
	cmd := c.inner.B().Exists().Key(key).Build()
	n, err := c.inner.Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *ValkeyClient) HSet(ctx context.Context, key string, fields map[string]string) (int64, error) {
	kvs := make([]string, 0, len(fields)*2)
	for k, v := range fields {
		kvs = append(kvs, k, v)
	}
	cmd := c.inner.B().Hset().Key(key).FieldValue().FieldValue(kvs...).Build()
	return c.inner.Do(ctx, cmd).AsInt64()
}

// SetNX mirrors ValkeySessionStore.acquireLock's SET key token NX EX ttl.
func (c *ValkeyClient) SetNX(ctx context.Context, key, value string, ttlSeconds int64) (bool, error) {
	cmd := c.inner.B().Set().Key(key).Value(value).Nx().Ex(secondsToDuration(ttlSeconds)).Build()
	err := c.inner.Do(ctx, cmd).Error()
	if err == nil {
		return true, nil
	}
	if valkeylib.IsValkeyNil(err) {
		return false, nil
	}
	return false, err
}

func (c *ValkeyClient) LLen(ctx context.Context, key string) (int64, error) {
	cmd := c.inner.B().Llen().Key(key).Build()
	return c.inner.Do(ctx, cmd).AsInt64()
}

func (c *ValkeyClient) LRem(ctx context.Context, key string, value string) (int64, error) {
	cmd := c.inner.B().Lrem().Key(key).Count(1).Element(value).Build()
	return c.inner.Do(ctx, cmd).AsInt64()
}

// Scan pages through matches with the cursor-based SCAN command, exactly
// like ValkeySessionStore.List in the AzielCF example.
func (c *ValkeyClient) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		cmd := c.inner.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()
		result, err := c.inner.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, err
		}
		keys = append(keys, result.Elements...)
		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
