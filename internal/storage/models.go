package storage

import "time"

// Network is a saved connection profile
type Network struct {
	ID            int64     `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Address       string    `db:"address" json:"address"`
	TLS           bool      `db:"tls" json:"tls"`
	StartTLS      bool      `db:"starttls" json:"starttls"`
	Nickname      string    `db:"nickname" json:"nickname"`
	Username      string    `db:"username" json:"username"`
	Realname      string    `db:"realname" json:"realname"`
	SASLEnabled   bool      `db:"sasl_enabled" json:"sasl_enabled"`
	SASLMechanism *string   `db:"sasl_mechanism" json:"sasl_mechanism"`
	SASLUsername  *string   `db:"sasl_username" json:"sasl_username"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Channel is a channel remembered for a network
type Channel struct {
	ID        int64      `db:"id" json:"id"`
	NetworkID int64      `db:"network_id" json:"network_id"`
	Name      string     `db:"name" json:"name"`
	Key       string     `db:"join_key" json:"key"`
	Topic     string     `db:"topic" json:"topic"`
	AutoJoin  bool       `db:"auto_join" json:"auto_join"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt *time.Time `db:"updated_at" json:"updated_at"`
}

// Member is one row of a channel membership snapshot
type Member struct {
	ID        int64     `db:"id" json:"id"`
	ChannelID int64     `db:"channel_id" json:"channel_id"`
	Nickname  string    `db:"nickname" json:"nickname"`
	Modes     string    `db:"modes" json:"modes"` // prefix mode letters, e.g. "ov"
	Account   string    `db:"account" json:"account"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Snapshot replaces the stored membership of one channel
type Snapshot struct {
	NetworkID int64
	Channel   string
	Topic     string
	Members   []Member
}
