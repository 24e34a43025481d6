package redis

// Config configures the Redis-backed MessageStore, grounded in
// dexidp-dex's storage/redis/config.go.
type Config struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}
