package backends

import (
	"fmt"

	"github.com/gomodule/redigo/redis"

	"github.com/mailchannels/mimescan/mail"
)

// ----------------------------------------------------------------------------------
// Processor Name: redis
// ----------------------------------------------------------------------------------
// Description   : Store the rewritten message in Redis, keyed by queued id
// ----------------------------------------------------------------------------------
// Config Options: redis_expire_seconds int - TTL of the stored message
//               : redis_interface string   - host:port to connect to
// --------------:-------------------------------------------------------------------
// Input         : e.QueuedId, e.Data
// ----------------------------------------------------------------------------------
// Output        : none (pass through)
// ----------------------------------------------------------------------------------

func init() {
	processors["redis"] = func() Decorator {
		return Redis()
	}
}

type RedisProcessorConfig struct {
	RedisExpireSeconds int    `json:"redis_expire_seconds"`
	RedisInterface     string `json:"redis_interface"`
}

type RedisProcessor struct {
	isConnected bool
	conn        redis.Conn
}

func (r *RedisProcessor) redisConnection(redisInterface string) (err error) {
	if !r.isConnected {
		r.conn, err = redis.Dial("tcp", redisInterface)
		if err != nil {
			return err
		}
		r.isConnected = true
	}
	return nil
}

// The redis decorator stores the scanned message in redis
func Redis() Decorator {

	var config *RedisProcessorConfig
	redisClient := &RedisProcessor{}
	// read the config into RedisProcessorConfig
	Svc.AddInitializer(InitializeWith(func(backendConfig BackendConfig) error {
		configType := BaseConfig(&RedisProcessorConfig{})
		bcfg, err := Svc.ExtractConfig(backendConfig, configType)
		if err != nil {
			return err
		}
		config = bcfg.(*RedisProcessorConfig)
		if redisErr := redisClient.redisConnection(config.RedisInterface); redisErr != nil {
			err := fmt.Errorf("redis cannot connect, check your settings: %s", redisErr)
			return err
		}
		return nil
	}))
	// When shutting down
	Svc.AddShutdowner(ShutdownWith(func() error {
		if redisClient.isConnected {
			redisClient.isConnected = false
			return redisClient.conn.Close()
		}
		return nil
	}))

	var redisErr error

	return func(p Processor) Processor {
		return ProcessorFunc(func(e *mail.Envelope) (Result, error) {
			redisErr = redisClient.redisConnection(config.RedisInterface)
			if redisErr == nil {
				_, doErr := redisClient.conn.Do("SETEX", e.QueuedId,
					config.RedisExpireSeconds, e.Data.String())
				if doErr != nil {
					redisErr = doErr
				}
			}
			if redisErr != nil {
				Log().WithError(redisErr).Warn("Error while talking to redis")
				result := NewResult("554 5.3.0 Error: transaction failed, blame it on the weather")
				return result, redisErr
			}
			// continue to the next processor in the decorator chain
			return p.Process(e)
		})
	}
}
