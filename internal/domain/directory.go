package domain

import (
	"encoding/json"
	"time"
)

// Computer is a daemon instance known to this one. The local computer
// registers itself at startup and refreshes last_seen via heartbeat.
type Computer struct {
	ID         int64
	Name       string
	Address    string
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// Project is a working directory registered under a computer. Session
// creation resolves project names through this table.
type Project struct {
	ID        int64
	Computer  string
	Name      string
	Path      string
	CreatedAt time.Time
}

// Person maps a platform identity to a human role. PlatformRefs holds the
// per-adapter identifiers ({"telegram": "12345", "discord": "..."}).
type Person struct {
	ID           int64
	Handle       string
	DisplayName  string
	HumanRole    HumanRole
	PlatformRefs json.RawMessage
	CreatedAt    time.Time
}

// Channel is a named broadcast target bound to one adapter's platform
// channel. Channel publishes fan out through the outbox like session output.
type Channel struct {
	ID                int64
	Name              string
	Adapter           string
	PlatformChannelID string
	CreatedAt         time.Time
}
