package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/hessu/aprs2net-backend/internal/model"
)

// Key layout. The aprs2 prefix keeps the namespace clear of other users
// of the same database.
const (
	keyServer       = "aprs2.server"
	keyServerStatus = "aprs2.serverstat"
	keyServerLog    = "aprs2.serverlog"
	keyRotate       = "aprs2.rotate"
	keyRotateStatus = "aprs2.rotateStatus"
	keyRotateStats  = "aprs2.rotateStats"
	keyAddressMap   = "aprs2.addrmap"
	keyPollQueue    = "aprs2.pollq"
	keyWebConfig    = "aprs2.webconfig"
)

// Pub/sub channels carrying change notifications for the web UI.
const (
	ChanStatus    = "aprs2.chStatus"
	ChanStatusDNS = "aprs2.chStatusDns"
)

// DB layers the aprs2 key schema and JSON codecs over a Store.
type DB struct {
	s Store
}

// NewDB wraps a Store with the typed operations.
func NewDB(s Store) *DB {
	return &DB{s: s}
}

// Raw exposes the underlying Store for subscriptions.
func (db *DB) Raw() Store {
	return db.s
}

func (db *DB) Close() error {
	return db.s.Close()
}

func marshalField(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: encode: %w", err)
	}
	return string(data), nil
}

// --- Servers ---

func (db *DB) StoreServer(ctx context.Context, srv *model.Server) error {
	data, err := marshalField(srv)
	if err != nil {
		return err
	}
	return db.s.HSet(ctx, keyServer, srv.ID, data)
}

// GetServer returns the server config, or nil when the id is unknown.
func (db *DB) GetServer(ctx context.Context, id string) (*model.Server, error) {
	data, ok, err := db.s.HGet(ctx, keyServer, id)
	if err != nil || !ok {
		return nil, err
	}
	var srv model.Server
	if err := json.Unmarshal([]byte(data), &srv); err != nil {
		return nil, fmt.Errorf("store: decode server %s: %w", id, err)
	}
	return &srv, nil
}

// GetServers returns the whole catalog sorted by id.
func (db *DB) GetServers(ctx context.Context) ([]*model.Server, error) {
	all, err := db.s.HGetAll(ctx, keyServer)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Server, 0, len(all))
	for id, data := range all {
		var srv model.Server
		if err := json.Unmarshal([]byte(data), &srv); err != nil {
			return nil, fmt.Errorf("store: decode server %s: %w", id, err)
		}
		out = append(out, &srv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DelServer evicts a server's config, status and poll log together.
func (db *DB) DelServer(ctx context.Context, id string) error {
	if err := db.s.HDel(ctx, keyServer, id); err != nil {
		return err
	}
	if err := db.s.HDel(ctx, keyServerStatus, id); err != nil {
		return err
	}
	return db.s.HDel(ctx, keyServerLog, id)
}

// --- Status records ---

func (db *DB) SetServerStatus(ctx context.Context, id string, st *model.PollResult) error {
	data, err := marshalField(st)
	if err != nil {
		return err
	}
	return db.s.HSet(ctx, keyServerStatus, id, data)
}

func (db *DB) GetServerStatus(ctx context.Context, id string) (*model.PollResult, error) {
	data, ok, err := db.s.HGet(ctx, keyServerStatus, id)
	if err != nil || !ok {
		return nil, err
	}
	var st model.PollResult
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("store: decode status %s: %w", id, err)
	}
	return &st, nil
}

func (db *DB) GetServerStatuses(ctx context.Context) (map[string]*model.PollResult, error) {
	all, err := db.s.HGetAll(ctx, keyServerStatus)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.PollResult, len(all))
	for id, data := range all {
		var st model.PollResult
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("store: decode status %s: %w", id, err)
		}
		out[id] = &st
	}
	return out, nil
}

// SetMergedStatus stores the DNS driver's fused view under the same key
// space the web UI reads.
func (db *DB) SetMergedStatus(ctx context.Context, id string, st *model.MergedStatus) error {
	data, err := marshalField(st)
	if err != nil {
		return err
	}
	return db.s.HSet(ctx, keyServerStatus, id, data)
}

func (db *DB) GetMergedStatus(ctx context.Context, id string) (*model.MergedStatus, error) {
	data, ok, err := db.s.HGet(ctx, keyServerStatus, id)
	if err != nil || !ok {
		return nil, err
	}
	var st model.MergedStatus
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("store: decode merged status %s: %w", id, err)
	}
	return &st, nil
}

func (db *DB) DelServerStatus(ctx context.Context, id string) error {
	return db.s.HDel(ctx, keyServerStatus, id)
}

// --- Poll logs ---

func (db *DB) StoreServerLog(ctx context.Context, id string, lg *model.ServerLog) error {
	data, err := marshalField(lg)
	if err != nil {
		return err
	}
	return db.s.HSet(ctx, keyServerLog, id, data)
}

func (db *DB) GetServerLog(ctx context.Context, id string) (*model.ServerLog, error) {
	data, ok, err := db.s.HGet(ctx, keyServerLog, id)
	if err != nil || !ok {
		return nil, err
	}
	var lg model.ServerLog
	if err := json.Unmarshal([]byte(data), &lg); err != nil {
		return nil, fmt.Errorf("store: decode server log %s: %w", id, err)
	}
	return &lg, nil
}

// --- Rotates ---

func (db *DB) StoreRotate(ctx context.Context, rot *model.Rotate) error {
	data, err := marshalField(rot)
	if err != nil {
		return err
	}
	return db.s.HSet(ctx, keyRotate, rot.ID, data)
}

func (db *DB) GetRotates(ctx context.Context) ([]*model.Rotate, error) {
	all, err := db.s.HGetAll(ctx, keyRotate)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Rotate, 0, len(all))
	for id, data := range all {
		var rot model.Rotate
		if err := json.Unmarshal([]byte(data), &rot); err != nil {
			return nil, fmt.Errorf("store: decode rotate %s: %w", id, err)
		}
		out = append(out, &rot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (db *DB) DelRotate(ctx context.Context, id string) error {
	return db.s.HDel(ctx, keyRotate, id)
}

// --- Address map ---

func (db *DB) SetAddressMap(ctx context.Context, m model.AddressMap) error {
	data, err := marshalField(m)
	if err != nil {
		return err
	}
	return db.s.Set(ctx, keyAddressMap, data)
}

func (db *DB) GetAddressMap(ctx context.Context) (model.AddressMap, error) {
	data, ok, err := db.s.Get(ctx, keyAddressMap)
	if err != nil {
		return nil, err
	}
	if !ok {
		return model.AddressMap{}, nil
	}
	var m model.AddressMap
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("store: decode address map: %w", err)
	}
	return m, nil
}

// --- Poll queue ---

// SetPollQ schedules the next poll of a server at the given unix time.
func (db *DB) SetPollQ(ctx context.Context, id string, at int64) error {
	return db.s.ZAdd(ctx, keyPollQueue, float64(at), id)
}

// GetPollQ returns the scheduled poll time for a server.
func (db *DB) GetPollQ(ctx context.Context, id string) (int64, bool, error) {
	score, ok, err := db.s.ZScore(ctx, keyPollQueue, id)
	return int64(score), ok, err
}

func (db *DB) DelPollQ(ctx context.Context, id string) error {
	return db.s.ZRem(ctx, keyPollQueue, id)
}

// DuePolls returns up to limit server ids whose scheduled time has
// passed, oldest first.
func (db *DB) DuePolls(ctx context.Context, now int64, limit int64) ([]string, error) {
	return db.s.ZRangeByScore(ctx, keyPollQueue, math.Inf(-1), float64(now), limit)
}

// PollQueueMembers returns every queued server id.
func (db *DB) PollQueueMembers(ctx context.Context) ([]string, error) {
	return db.s.ZMembers(ctx, keyPollQueue)
}

// --- Rotate status and stats ---

func (db *DB) SetRotateStatus(ctx context.Context, statuses map[string]*model.RotateStatus) error {
	data, err := marshalField(statuses)
	if err != nil {
		return err
	}
	return db.s.Set(ctx, keyRotateStatus, data)
}

func (db *DB) GetRotateStatus(ctx context.Context) (map[string]*model.RotateStatus, error) {
	data, ok, err := db.s.Get(ctx, keyRotateStatus)
	if err != nil || !ok {
		return nil, err
	}
	var out map[string]*model.RotateStatus
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("store: decode rotate status: %w", err)
	}
	return out, nil
}

func (db *DB) SetRotateStats(ctx context.Context, rotate string, stats *model.RotateStats) error {
	data, err := marshalField(stats)
	if err != nil {
		return err
	}
	return db.s.HSet(ctx, keyRotateStats, rotate, data)
}

func (db *DB) GetRotateStats(ctx context.Context, rotate string) (*model.RotateStats, error) {
	data, ok, err := db.s.HGet(ctx, keyRotateStats, rotate)
	if err != nil || !ok {
		return nil, err
	}
	var stats model.RotateStats
	if err := json.Unmarshal([]byte(data), &stats); err != nil {
		return nil, fmt.Errorf("store: decode rotate stats %s: %w", rotate, err)
	}
	return &stats, nil
}

// --- Web UI config ---

func (db *DB) SetWebConfig(ctx context.Context, cfg *model.WebConfig) error {
	data, err := marshalField(cfg)
	if err != nil {
		return err
	}
	return db.s.Set(ctx, keyWebConfig, data)
}

// --- Notifications ---

// statusEvent is the payload published on ChanStatus after every poll.
type statusEvent struct {
	Server string            `json:"server"`
	Status *model.PollResult `json:"status"`
}

// NotifyStatus publishes a per-server status change event.
func (db *DB) NotifyStatus(ctx context.Context, id string, st *model.PollResult) error {
	data, err := marshalField(statusEvent{Server: id, Status: st})
	if err != nil {
		return err
	}
	return db.s.Publish(ctx, ChanStatus, data)
}

// NotifyDNSStatus tells listeners the driver finished a full round.
func (db *DB) NotifyDNSStatus(ctx context.Context) error {
	return db.s.Publish(ctx, ChanStatusDNS, `{"reload":"full"}`)
}

// SubscribeStatus opens a subscription on the per-server status channel.
func (db *DB) SubscribeStatus(ctx context.Context) (Subscription, error) {
	return db.s.Subscribe(ctx, ChanStatus)
}
