package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/matt0x6f/irc-engine/internal/logger"
)

// ErrClosed is returned by writes after Close
var ErrClosed = errors.New("storage is closed")

// Storage handles database operations
type Storage struct {
	db            *sqlx.DB
	writeBuffer   chan Snapshot
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closed        bool
	closedMu      sync.RWMutex
}

// NewStorage opens the database at dbPath and starts the snapshot flusher
func NewStorage(dbPath string, bufferSize int, flushInterval time.Duration) (*Storage, error) {
	// WAL mode for concurrent readers while the flusher writes
	db, err := sqlx.Connect("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite works best with a single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if bufferSize <= 0 {
		bufferSize = 64
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	storage := &Storage{
		db:            db,
		writeBuffer:   make(chan Snapshot, bufferSize),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	storage.wg.Add(1)
	go storage.flushLoop()

	return storage, nil
}

// Close flushes queued snapshots and closes the database
func (s *Storage) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedMu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	return s.db.Close()
}

func (s *Storage) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// flushLoop periodically flushes the write buffer
func (s *Storage) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.flushBuffer()
			return
		case <-ticker.C:
			s.flushBuffer()
		}
	}
}

// flushBuffer applies every queued snapshot. Later snapshots of the same
// channel overwrite earlier ones.
func (s *Storage) flushBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		select {
		case snap := <-s.writeBuffer:
			if err := s.applySnapshot(snap); err != nil {
				logger.Log.Error().Err(err).Str("channel", snap.Channel).Msg("Error flushing membership snapshot")
			}
		default:
			return
		}
	}
}

// WriteSnapshot queues a membership snapshot for the flusher
func (s *Storage) WriteSnapshot(snap Snapshot) error {
	if s.isClosed() {
		return ErrClosed
	}

	select {
	case s.writeBuffer <- snap:
		return nil
	default:
		// Buffer full, flush immediately
		s.flushBuffer()
		select {
		case s.writeBuffer <- snap:
			return nil
		default:
			return fmt.Errorf("write buffer full and flush failed")
		}
	}
}

// WriteSnapshotSync applies a snapshot immediately, after anything queued
func (s *Storage) WriteSnapshotSync(snap Snapshot) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.flushBuffer()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applySnapshot(snap)
}

func (s *Storage) applySnapshot(snap Snapshot) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	channelID, err := upsertChannel(tx, snap.NetworkID, snap.Channel)
	if err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE channels SET topic = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", snap.Topic, channelID); err != nil {
		return fmt.Errorf("failed to update topic: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM channel_members WHERE channel_id = ?", channelID); err != nil {
		return fmt.Errorf("failed to clear members: %w", err)
	}

	if len(snap.Members) > 0 {
		now := time.Now()
		rows := make([]Member, len(snap.Members))
		for i, m := range snap.Members {
			m.ChannelID = channelID
			m.UpdatedAt = now
			rows[i] = m
		}
		query := `INSERT INTO channel_members (channel_id, nickname, modes, account, updated_at)
		          VALUES (:channel_id, :nickname, :modes, :account, :updated_at)`
		if _, err := tx.NamedExec(query, rows); err != nil {
			return fmt.Errorf("failed to insert members: %w", err)
		}
	}

	return tx.Commit()
}

func upsertChannel(tx *sqlx.Tx, networkID int64, name string) (int64, error) {
	var id int64
	err := tx.Get(&id, "SELECT id FROM channels WHERE network_id = ? AND LOWER(name) = LOWER(?)", networkID, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up channel: %w", err)
	}

	result, err := tx.Exec("INSERT INTO channels (network_id, name, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)", networkID, name)
	if err != nil {
		return 0, fmt.Errorf("failed to create channel: %w", err)
	}
	return result.LastInsertId()
}

// CreateNetwork creates a new network profile
func (s *Storage) CreateNetwork(network *Network) error {
	now := time.Now()
	if network.CreatedAt.IsZero() {
		network.CreatedAt = now
	}
	network.UpdatedAt = now

	query := `INSERT INTO networks (name, address, tls, starttls, nickname, username, realname, sasl_enabled, sasl_mechanism, sasl_username, created_at, updated_at)
	          VALUES (:name, :address, :tls, :starttls, :nickname, :username, :realname, :sasl_enabled, :sasl_mechanism, :sasl_username, :created_at, :updated_at)`

	result, err := s.db.NamedExec(query, network)
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get network ID: %w", err)
	}

	network.ID = id
	return nil
}

// GetNetworks retrieves all network profiles
func (s *Storage) GetNetworks() ([]Network, error) {
	var networks []Network
	err := s.db.Select(&networks, "SELECT * FROM networks ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to get networks: %w", err)
	}
	return networks, nil
}

// GetNetworkByName retrieves a network profile by name
func (s *Storage) GetNetworkByName(name string) (*Network, error) {
	var network Network
	err := s.db.Get(&network, "SELECT * FROM networks WHERE name = ?", name)
	if err != nil {
		return nil, fmt.Errorf("failed to get network: %w", err)
	}
	return &network, nil
}

// UpdateNetwork updates a network profile
func (s *Storage) UpdateNetwork(network *Network) error {
	network.UpdatedAt = time.Now()
	query := `UPDATE networks SET name = :name, address = :address, tls = :tls, starttls = :starttls,
	          nickname = :nickname, username = :username, realname = :realname,
	          sasl_enabled = :sasl_enabled, sasl_mechanism = :sasl_mechanism, sasl_username = :sasl_username,
	          updated_at = :updated_at
	          WHERE id = :id`
	if _, err := s.db.NamedExec(query, network); err != nil {
		return fmt.Errorf("failed to update network: %w", err)
	}
	return nil
}

// DeleteNetwork removes a network profile and its channels
func (s *Storage) DeleteNetwork(networkID int64) error {
	_, err := s.db.Exec("DELETE FROM networks WHERE id = ?", networkID)
	return err
}

// CreateChannel remembers a channel for a network
func (s *Storage) CreateChannel(channel *Channel) error {
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now()
	}
	query := `INSERT INTO channels (network_id, name, join_key, auto_join, created_at)
	          VALUES (:network_id, :name, :join_key, :auto_join, :created_at)`

	result, err := s.db.NamedExec(query, channel)
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get channel ID: %w", err)
	}

	channel.ID = id
	return nil
}

// GetChannels retrieves channels for a network
func (s *Storage) GetChannels(networkID int64) ([]Channel, error) {
	var channels []Channel
	err := s.db.Select(&channels, "SELECT * FROM channels WHERE network_id = ? ORDER BY name", networkID)
	if err != nil {
		return nil, fmt.Errorf("failed to get channels: %w", err)
	}
	return channels, nil
}

// GetAutoJoinChannels retrieves the channels joined on connect
func (s *Storage) GetAutoJoinChannels(networkID int64) ([]Channel, error) {
	var channels []Channel
	err := s.db.Select(&channels, "SELECT * FROM channels WHERE network_id = ? AND auto_join = 1 ORDER BY name", networkID)
	if err != nil {
		return nil, fmt.Errorf("failed to get auto-join channels: %w", err)
	}
	return channels, nil
}

// GetChannelByName retrieves a channel by network ID and name
func (s *Storage) GetChannelByName(networkID int64, channelName string) (*Channel, error) {
	var channel Channel
	err := s.db.Get(&channel, "SELECT * FROM channels WHERE network_id = ? AND LOWER(name) = LOWER(?)", networkID, channelName)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &channel, nil
}

// UpdateChannelAutoJoin updates the auto-join setting for a channel
func (s *Storage) UpdateChannelAutoJoin(channelID int64, autoJoin bool) error {
	_, err := s.db.Exec("UPDATE channels SET auto_join = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", autoJoin, channelID)
	return err
}

// GetChannelMembers retrieves the stored membership of a channel
func (s *Storage) GetChannelMembers(channelID int64) ([]Member, error) {
	var members []Member
	err := s.db.Select(&members, "SELECT * FROM channel_members WHERE channel_id = ? ORDER BY nickname", channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel members: %w", err)
	}
	return members, nil
}

// ClearNetworkMembers removes the membership snapshot of every channel in a network
func (s *Storage) ClearNetworkMembers(networkID int64) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.flushBuffer()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		DELETE FROM channel_members
		WHERE channel_id IN (SELECT id FROM channels WHERE network_id = ?)
	`, networkID)
	return err
}
