// Package config loads the poncho configuration.
//
// Configuration is layered: DefaultConfig, then a YAML, JSON or CUE file,
// then PONCHO_* environment variables. CUE files (or a directory holding a
// CUE package) are unified with the built-in #Config schema before being
// decoded, so typos and out-of-range values are reported with file
// positions. YAML files are decoded strictly.
//
// A minimal worker configuration in CUE:
//
//	database: {
//		driver: "postgres"
//		dsn:    "postgres://poncho@db/poncho"
//	}
//	worker: polling_interval: "5s"
//	fleet: {
//		compute_url:  "https://nova.example.com/v2.1"
//		identity_url: "https://keystone.example.com/v3"
//	}
//	notify: {
//		from_addr:   "ops@example.com"
//		smtp_server: "smtp.example.com:25"
//	}
//
// Environment overrides:
//
//	PONCHO_DATABASE_DRIVER      PONCHO_DATABASE_DSN
//	PONCHO_WORKER_POLLING_INTERVAL  PONCHO_WORKER_WORKFLOWS  PONCHO_WORKER_ADMIN_ADDR
//	PONCHO_NOTIFY_ENABLE_MAIL   PONCHO_NOTIFY_FROM_ADDR  PONCHO_NOTIFY_REPLY_TO
//	PONCHO_NOTIFY_SMTP_SERVER   PONCHO_NOTIFY_DEFAULT_DELAY  PONCHO_NOTIFY_MAXIMUM_DELAY
//	PONCHO_FLEET_COMPUTE_URL    PONCHO_FLEET_IDENTITY_URL  PONCHO_FLEET_TOKEN
//	PONCHO_FLEET_DISABLE_VIA    PONCHO_POLICY_PATHS
//	PONCHO_LOG_LEVEL (or LOG_LEVEL)  PONCHO_LOG_FORMAT
//
// Lists are comma separated; durations use Go syntax ("90s", "48h").
package config
