package config

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DISPATCHD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DISPATCHD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "telegram.token", typ: kString, env: "DISPATCHD_TELEGRAM_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.Token },
	},
	{
		key: "telegram.masters", typ: kString, env: "DISPATCHD_TELEGRAM_MASTERS",
		apply:   func(cfg *Config, v any) { cfg.Telegram.Masters = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.Masters },
	},
	{
		key: "session.idle_timeout", typ: kString, env: "DISPATCHD_SESSION_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Session.IdleTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.IdleTimeout },
	},
	{
		key: "finance.commission", typ: kInt, env: "DISPATCHD_FINANCE_COMMISSION",
		apply:   func(cfg *Config, v any) { cfg.Finance.Commission = v.(int) },
		extract: func(cfg Config) any { return cfg.Finance.Commission },
	},
	{
		key: "log.level", typ: kString, env: "DISPATCHD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "api.token", typ: kString, env: "DISPATCHD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
}
