// Package presence mirrors room membership into redis for external readers.
// The in-memory registry stays authoritative; the mirror is best effort.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/jamroom/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	roomKeyPrefix    = "jamroom:room:"
	membersKeySuffix = ":participants"
	queueSize        = 256
)

type update struct {
	snap    domain.RoomSnapshot
	deleted domain.RoomID
}

// RedisMirror implements core.Presence. Updates are queued and written by Run,
// so the hub loop never waits on redis.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	queue  chan update
}

func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{
		client: client,
		ttl:    ttl,
		queue:  make(chan update, queueSize),
	}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string, ttl time.Duration) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisMirror(client, ttl), nil
}

func (m *RedisMirror) RoomChanged(snap domain.RoomSnapshot) {
	m.enqueue(update{snap: snap})
}

func (m *RedisMirror) RoomDeleted(id domain.RoomID) {
	m.enqueue(update{deleted: id})
}

func (m *RedisMirror) enqueue(u update) {
	select {
	case m.queue <- u:
	default:
		log.Warn().Str("module", "adapters.presence").Msg("presence queue full, dropping update")
	}
}

// Run drains the queue until ctx is done, then closes the client.
func (m *RedisMirror) Run(ctx context.Context) {
	defer func() {
		if err := m.client.Close(); err != nil {
			log.Error().Err(err).Str("module", "adapters.presence").Msg("redis close")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-m.queue:
			var err error
			if u.deleted != "" {
				err = m.deleteRoom(ctx, u.deleted)
			} else {
				err = m.writeRoom(ctx, u.snap)
			}
			if err != nil {
				log.Error().Err(err).Str("module", "adapters.presence").Msg("mirror update")
			}
		}
	}
}

func roomKey(id domain.RoomID) string    { return roomKeyPrefix + string(id) }
func membersKey(id domain.RoomID) string { return roomKeyPrefix + string(id) + membersKeySuffix }

func (m *RedisMirror) writeRoom(ctx context.Context, snap domain.RoomSnapshot) error {
	admin := ""
	members := make([]any, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal participant: %w", err)
		}
		members = append(members, string(p.ID), string(b))
		if p.IsAdmin {
			admin = string(p.ID)
		}
	}

	rk, mk := roomKey(snap.RoomID), membersKey(snap.RoomID)
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, rk,
		"created_at", snap.CreatedAt.Unix(),
		"admin", admin,
		"count", len(snap.Participants),
	)
	pipe.Del(ctx, mk)
	if len(members) > 0 {
		pipe.HSet(ctx, mk, members...)
	}
	pipe.Expire(ctx, rk, m.ttl)
	pipe.Expire(ctx, mk, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write room %s: %w", snap.RoomID, err)
	}
	return nil
}

func (m *RedisMirror) deleteRoom(ctx context.Context, id domain.RoomID) error {
	if err := m.client.Del(ctx, roomKey(id), membersKey(id)).Err(); err != nil {
		return fmt.Errorf("delete room %s: %w", id, err)
	}
	return nil
}
