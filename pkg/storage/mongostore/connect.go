package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Config holds connection settings for the MongoDB backend.
type Config struct {
	ConnectionURL   string        `env:"FLAGS_MONGODB_URL,required"`
	ConnectTimeout  time.Duration `env:"FLAGS_MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
	MaxPoolSize     uint64        `env:"FLAGS_MONGODB_MAX_POOL_SIZE" envDefault:"100"`
	MinPoolSize     uint64        `env:"FLAGS_MONGODB_MIN_POOL_SIZE" envDefault:"1"`
	MaxConnIdleTime time.Duration `env:"FLAGS_MONGODB_MAX_CONN_IDLE_TIME" envDefault:"300s"`
	RetryWrites     bool          `env:"FLAGS_MONGODB_RETRY_WRITES" envDefault:"true"`
	RetryReads      bool          `env:"FLAGS_MONGODB_RETRY_READS" envDefault:"true"`
	RetryAttempts   int           `env:"FLAGS_MONGODB_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval   time.Duration `env:"FLAGS_MONGODB_RETRY_INTERVAL" envDefault:"5s"`
}

var ErrFailedToConnect = errors.New("failed to connect to mongo")

// Connect creates a mongo client and returns a handle to the named
// database, retrying up to RetryAttempts times.
func Connect(ctx context.Context, cfg Config, database string) (*mongo.Database, error) {
	for attempt := 0; attempt < cfg.RetryAttempts; attempt++ {
		client, err := mongo.Connect(
			options.Client().
				ApplyURI(cfg.ConnectionURL).
				SetConnectTimeout(cfg.ConnectTimeout).
				SetMaxPoolSize(cfg.MaxPoolSize).
				SetMinPoolSize(cfg.MinPoolSize).
				SetMaxConnIdleTime(cfg.MaxConnIdleTime).
				SetRetryWrites(cfg.RetryWrites).
				SetRetryReads(cfg.RetryReads),
		)
		if err == nil {
			if err := client.Ping(ctx, nil); err == nil {
				return client.Database(database), nil
			}
		}

		time.Sleep(cfg.RetryInterval)
	}

	return nil, ErrFailedToConnect
}
