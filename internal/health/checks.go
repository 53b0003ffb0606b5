package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/callyx/pkg/speech/stt"
	"github.com/MrWong99/callyx/pkg/speech/tts"
)

// Pinger is satisfied by stores that expose a connectivity probe, such as the
// session archive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Redis probes the hot session store. An unreachable store means new calls
// would be refused, so readiness must fail.
func Redis(rdb *redis.Client) Checker {
	return Checker{
		Name: "redis",
		Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	}
}

// Postgres probes the cold archive store.
func Postgres(p Pinger) Checker {
	return Checker{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			return p.Ping(ctx)
		},
	}
}

// SpeechPools reports exhaustion of the recognizer and synthesizer pools.
// A fully busy pool is not an outage, but a pool that stays saturated keeps
// new calls from being answered, so it surfaces in readiness.
func SpeechPools(recognizers *stt.Pool, synthesizers *tts.Pool) Checker {
	return Checker{
		Name: "speech_pools",
		Check: func(context.Context) error {
			if recognizers != nil && recognizers.Free() == 0 {
				return fmt.Errorf("recognizer pool saturated (%d slots)", recognizers.Size())
			}
			if synthesizers != nil && synthesizers.Free() == 0 {
				return fmt.Errorf("synthesizer pool saturated (%d slots)", synthesizers.Size())
			}
			return nil
		},
	}
}
