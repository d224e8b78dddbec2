package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func runTokenKey(token string) string {
	return "token:" + token
}

type runTokenClaims struct {
	RunID       string `json:"runId"`
	PrincipalID string `json:"principalId"`
}

// StoreRunToken registers a short-lived run token so any replica can
// resolve it. The token expires with the run's deadline.
func (c *Client) StoreRunToken(ctx context.Context, token, runID, principalID string, ttl time.Duration) error {
	payload, err := json.Marshal(runTokenClaims{RunID: runID, PrincipalID: principalID})
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, runTokenKey(token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store run token: %w", err)
	}
	return nil
}

// LookupRunToken resolves a run token. Unknown or expired tokens return
// empty ids without error.
func (c *Client) LookupRunToken(ctx context.Context, token string) (runID, principalID string, err error) {
	payload, err := c.rdb.Get(ctx, runTokenKey(token)).Bytes()
	if err == goredis.Nil {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to look up run token: %w", err)
	}
	var claims runTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", "", fmt.Errorf("failed to decode run token: %w", err)
	}
	return claims.RunID, claims.PrincipalID, nil
}

// DeleteRunToken revokes a run token.
func (c *Client) DeleteRunToken(ctx context.Context, token string) error {
	if err := c.rdb.Del(ctx, runTokenKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to delete run token: %w", err)
	}
	return nil
}
