// Package redis connects to the optional Redis server that lets several
// engine processes share job events and rate limits.
//
// Configuration is described by Config, usually populated from the
// environment through pkg/config:
//
//	var cfg redis.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//	if cfg.Enabled() {
//		client, err := redis.Connect(ctx, cfg)
//		if err != nil {
//			return err
//		}
//		defer client.Close()
//	}
//
// Connect retries until the server answers PING or the connect timeout
// expires. Healthcheck returns a probe for the admin API's /healthz.
//
// Errors are sentinel values joined with the go-redis error, so errors.Is
// works on them.
package redis
