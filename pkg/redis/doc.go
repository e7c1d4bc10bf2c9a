// Package redis connects to Redis through github.com/redis/go-redis/v9.
//
// Connect retries until the server answers a PING, and Healthcheck wraps the
// client in a readiness check. The suppression index in
// notifications/redisindex is the main consumer.
//
//	var cfg redis.Config
//	config.MustLoad(&cfg)
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package redis
