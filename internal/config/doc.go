// Package config loads the gateway configuration.
//
// Settings come from an optional TOML file and are then overridden by
// DESKGATE_* environment variables:
//
//	[server]
//	addr = ":8080"
//	allowed_origins = ["https://desk.example.com"]
//
//	[auth]
//	enabled = true
//	jwt_secret = "change-me"
//
//	[session]
//	connect_timeout = "10s"
//	idle_timeout = "30m"
//
//	[storage]
//	backend = "s3"
//	bucket = "deskgate-transfers"
//
// Durations are Go duration strings.
//
// # Usage
//
//	cfg, err := config.Load("deskgate.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mgr := session.NewManager(cfg.Manager())
package config
