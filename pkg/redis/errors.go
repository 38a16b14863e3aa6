package redis

import "errors"

var (
	ErrEmptyConnectionURL           = errors.New("empty redis connection url, set REDIS_URL")
	ErrFailedToParseRedisConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady                = errors.New("redis did not answer within the connect timeout")
	ErrHealthcheckFailed            = errors.New("redis healthcheck failed")
)
