package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Global
	viper.SetDefault("file_state_dir", "~/.shula")

	// Driver bridge
	viper.SetDefault("bridge.url", "ws://127.0.0.1:8777/driver")
	viper.SetDefault("bridge.token", "")
	viper.SetDefault("bridge.call_timeout", 45*time.Second)

	// Session lifecycle
	viper.SetDefault("session.self_id", "")
	viper.SetDefault("session.probe_interval", 30*time.Second)
	viper.SetDefault("session.probe_timeout", 20*time.Second)
	viper.SetDefault("session.backoff_base", 5*time.Second)
	viper.SetDefault("session.backoff_max", 5*time.Minute)
	viper.SetDefault("session.escalation_threshold", 10)

	// Inbound pipeline
	viper.SetDefault("inbound.dedup_window", 2*time.Minute)
	viper.SetDefault("inbound.group_sync_cooldown", time.Hour)
	viper.SetDefault("inbound.workers", 4)

	// Outbound delivery
	viper.SetDefault("outbound.send_interval", 500*time.Millisecond)

	// Queue
	viper.SetDefault("queue.backend", "memory")
	viper.SetDefault("queue.dsn", "")
	viper.SetDefault("queue.dir_name", "queue")
	viper.SetDefault("queue.event_concurrency", 16)
	viper.SetDefault("queue.dead_letter_limit", 200)

	// External collaborators
	viper.SetDefault("backend.url", "")
	viper.SetDefault("backend.token", "")
	viper.SetDefault("downstream.url", "")
	viper.SetDefault("downstream.token", "")
	viper.SetDefault("status.webhook_url", "")

	// Status server
	viper.SetDefault("server.bind", "127.0.0.1")
	viper.SetDefault("server.port", 8380)
}
