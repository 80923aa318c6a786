package config

import "time"

type Config struct {
	Log      Log
	HTTP     HTTPServer
	Database Database

	PG                PG            `envPrefix:"PG_"`
	JWT               JWT           `envPrefix:"JWT_"`
	PaymentServiceURL string        `env:"PAYMENT_SERVICE_URL" envDefault:"http://localhost:8080"`
	PaymentClient     PaymentClient `envPrefix:"PAYMENT_CLIENT_"`
	Redis             Redis         `envPrefix:"REDIS_"`
	Kafka             Kafka         `envPrefix:"KAFKA_"`
	Reconcile         Reconcile     `envPrefix:"RECONCILE_"`

	// CancelLockTTL is raised to the cancel client's worst case when shorter.
	CancelLockTTL time.Duration `env:"CANCEL_LOCK_TTL"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}

// Database driver is either "mysql" or "sqlite".
type Database struct {
	Driver string `env:"DATABASE_DRIVER" envDefault:"mysql"`
	URL    string `env:"DATABASE_URL"`
}

// PG is the payment gateway REST api (imp_key / imp_secret token flow).
type PG struct {
	BaseApiURL string        `env:"BASE_API_URL" envDefault:"https://api.iamport.kr"`
	APIKey     string        `env:"API_KEY"`
	APISecret  string        `env:"API_SECRET"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

type JWT struct {
	Secret string `env:"SECRET,required"`
}

type PaymentClient struct {
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"3"`
}

// Redis is optional. An empty Addr selects the in-process locker.
type Redis struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// Kafka is optional. No brokers disables the outbox publisher and the withdrawal consumer.
type Kafka struct {
	Brokers         []string `env:"BROKERS" envSeparator:","`
	OutboxTopic     string   `env:"OUTBOX_TOPIC" envDefault:"commerce-outbox"`
	WithdrawalTopic string   `env:"WITHDRAWAL_TOPIC" envDefault:"user-withdrawal"`
	GroupID         string   `env:"GROUP_ID" envDefault:"commerce-reconciler"`
}

type Reconcile struct {
	Interval    time.Duration `env:"INTERVAL" envDefault:"1m"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BatchSize   int           `env:"BATCH" envDefault:"50"`
	Backoff     time.Duration `env:"BACKOFF" envDefault:"30s"`
}
