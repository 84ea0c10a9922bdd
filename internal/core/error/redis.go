package errx

import (
	"context"
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"
)

// WrapRedis classifies a go-redis error. A missing key is not_found; a closed
// client or a cancelled caller is final; anything else is a retryable upstream
// failure.
func WrapRedis(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return Coded(CodeNotFound, http.StatusNotFound, RedisNotFoundMessage, err)
	case errors.Is(err, context.Canceled), errors.Is(err, redis.ErrClosed):
		return Coded(CodeUpstream, http.StatusBadGateway, RedisErrorMessage, err)
	default:
		ae := Coded(CodeUpstream, http.StatusBadGateway, RedisErrorMessage, err)
		ae.Retryable = true
		return ae
	}
}
