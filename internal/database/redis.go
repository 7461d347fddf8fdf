package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/maoxiaohua/tcm-ai-sub001/internal/logger"
)

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Log.Info("Connected to redis")

	return client, nil
}
