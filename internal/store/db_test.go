package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/hessu/aprs2net-backend/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedis(mr.Addr(), 0)
	t.Cleanup(func() { s.Close() })
	return NewDB(s)
}

func TestServerRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	srv := &model.Server{
		ID:      "T2FINLAND",
		Host:    "finland",
		Domain:  "aprs2.net",
		IPv4:    "192.0.2.10",
		IPv6:    "2001:db8::10",
		Rotates: []string{model.RotateTier2},
	}
	if err := db.StoreServer(ctx, srv); err != nil {
		t.Fatalf("StoreServer: %v", err)
	}

	got, err := db.GetServer(ctx, "T2FINLAND")
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if got == nil || got.ID != srv.ID || got.IPv4 != srv.IPv4 {
		t.Fatalf("GetServer returned %+v, want %+v", got, srv)
	}

	missing, err := db.GetServer(ctx, "T2NOWHERE")
	if err != nil {
		t.Fatalf("GetServer missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("GetServer for unknown id returned %+v, want nil", missing)
	}
}

func TestGetServersSorted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"T2ZULU", "T2ALPHA", "T2MIKE"} {
		if err := db.StoreServer(ctx, &model.Server{ID: id}); err != nil {
			t.Fatalf("StoreServer %s: %v", id, err)
		}
	}
	servers, err := db.GetServers(ctx)
	if err != nil {
		t.Fatalf("GetServers: %v", err)
	}
	want := []string{"T2ALPHA", "T2MIKE", "T2ZULU"}
	if len(servers) != len(want) {
		t.Fatalf("got %d servers, want %d", len(servers), len(want))
	}
	for i, id := range want {
		if servers[i].ID != id {
			t.Errorf("servers[%d].ID = %s, want %s", i, servers[i].ID, id)
		}
	}

	if err := db.DelServer(ctx, "T2MIKE"); err != nil {
		t.Fatalf("DelServer: %v", err)
	}
	servers, err = db.GetServers(ctx)
	if err != nil {
		t.Fatalf("GetServers after delete: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers after delete, want 2", len(servers))
	}
}

func TestStatusRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	st := &model.PollResult{
		Status:   model.StatusOK,
		LastTest: 1700000000,
		Props:    model.Props{ID: "T2TEST", Type: model.FlavorAprsc, Score: 123.4},
	}
	if err := db.SetServerStatus(ctx, "T2TEST", st); err != nil {
		t.Fatalf("SetServerStatus: %v", err)
	}
	got, err := db.GetServerStatus(ctx, "T2TEST")
	if err != nil {
		t.Fatalf("GetServerStatus: %v", err)
	}
	if got == nil || got.Status != model.StatusOK || got.Props.Score != 123.4 {
		t.Fatalf("GetServerStatus returned %+v", got)
	}

	merged := &model.MergedStatus{
		Status: model.StatusOK,
		COK:    2,
		CRes:   2,
		Props:  model.Props{ID: "T2TEST", Score: 99},
	}
	if err := db.SetMergedStatus(ctx, "T2TEST", merged); err != nil {
		t.Fatalf("SetMergedStatus: %v", err)
	}
	gm, err := db.GetMergedStatus(ctx, "T2TEST")
	if err != nil {
		t.Fatalf("GetMergedStatus: %v", err)
	}
	if gm == nil || gm.COK != 2 || gm.CRes != 2 {
		t.Fatalf("GetMergedStatus returned %+v", gm)
	}
}

func TestPollQueue(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	now := time.Now().Unix()
	if err := db.SetPollQ(ctx, "T2ONE", now-10); err != nil {
		t.Fatalf("SetPollQ: %v", err)
	}
	if err := db.SetPollQ(ctx, "T2TWO", now-5); err != nil {
		t.Fatalf("SetPollQ: %v", err)
	}
	if err := db.SetPollQ(ctx, "T2LATER", now+3600); err != nil {
		t.Fatalf("SetPollQ: %v", err)
	}

	at, ok, err := db.GetPollQ(ctx, "T2ONE")
	if err != nil || !ok {
		t.Fatalf("GetPollQ: ok=%v err=%v", ok, err)
	}
	if at != now-10 {
		t.Fatalf("GetPollQ = %d, want %d", at, now-10)
	}

	due, err := db.DuePolls(ctx, now, 10)
	if err != nil {
		t.Fatalf("DuePolls: %v", err)
	}
	if len(due) != 2 || due[0] != "T2ONE" || due[1] != "T2TWO" {
		t.Fatalf("DuePolls = %v, want [T2ONE T2TWO]", due)
	}

	due, err = db.DuePolls(ctx, now, 1)
	if err != nil {
		t.Fatalf("DuePolls limited: %v", err)
	}
	if len(due) != 1 || due[0] != "T2ONE" {
		t.Fatalf("DuePolls limited = %v, want [T2ONE]", due)
	}

	members, err := db.PollQueueMembers(ctx)
	if err != nil {
		t.Fatalf("PollQueueMembers: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("PollQueueMembers = %v, want 3 entries", members)
	}

	if err := db.DelPollQ(ctx, "T2ONE"); err != nil {
		t.Fatalf("DelPollQ: %v", err)
	}
	if _, ok, _ := db.GetPollQ(ctx, "T2ONE"); ok {
		t.Fatal("T2ONE still queued after DelPollQ")
	}
}

func TestAddressMap(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	m, err := db.GetAddressMap(ctx)
	if err != nil {
		t.Fatalf("GetAddressMap empty: %v", err)
	}
	if len(m) != 0 {
		t.Fatalf("GetAddressMap empty = %v, want empty map", m)
	}

	m = model.AddressMap{}
	m.Add("192.0.2.1", "T2TEST")
	m.Add("2001:db8::1", "T2TEST")
	if err := db.SetAddressMap(ctx, m); err != nil {
		t.Fatalf("SetAddressMap: %v", err)
	}
	got, err := db.GetAddressMap(ctx)
	if err != nil {
		t.Fatalf("GetAddressMap: %v", err)
	}
	if id, ok := got.Lookup("2001:DB8::1"); !ok || id != "T2TEST" {
		t.Fatalf("Lookup = %q, %v", id, ok)
	}
}

func TestRotateRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rot := &model.Rotate{ID: model.RotateTier2, Members: []string{"T2ONE", "T2TWO"}}
	if err := db.StoreRotate(ctx, rot); err != nil {
		t.Fatalf("StoreRotate: %v", err)
	}
	rots, err := db.GetRotates(ctx)
	if err != nil {
		t.Fatalf("GetRotates: %v", err)
	}
	if len(rots) != 1 || rots[0].ID != model.RotateTier2 || len(rots[0].Members) != 2 {
		t.Fatalf("GetRotates = %+v", rots)
	}
	if err := db.DelRotate(ctx, model.RotateTier2); err != nil {
		t.Fatalf("DelRotate: %v", err)
	}
	rots, err = db.GetRotates(ctx)
	if err != nil {
		t.Fatalf("GetRotates after delete: %v", err)
	}
	if len(rots) != 0 {
		t.Fatalf("GetRotates after delete = %+v, want none", rots)
	}
}

func TestRotateStatusBlob(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	in := map[string]*model.RotateStatus{
		model.RotateTier2: {
			State: model.RotateHealthy,
			V4:    []string{"192.0.2.1", "192.0.2.2"},
			T:     1700000000,
		},
	}
	if err := db.SetRotateStatus(ctx, in); err != nil {
		t.Fatalf("SetRotateStatus: %v", err)
	}
	out, err := db.GetRotateStatus(ctx)
	if err != nil {
		t.Fatalf("GetRotateStatus: %v", err)
	}
	st := out[model.RotateTier2]
	if st == nil || st.State != model.RotateHealthy || len(st.V4) != 2 {
		t.Fatalf("GetRotateStatus = %+v", out)
	}
}

func TestStatusNotify(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := db.SubscribeStatus(ctx)
	if err != nil {
		t.Fatalf("SubscribeStatus: %v", err)
	}
	defer sub.Close()

	st := &model.PollResult{Status: model.StatusOK, LastTest: 42}
	if err := db.NotifyStatus(ctx, "T2TEST", st); err != nil {
		t.Fatalf("NotifyStatus: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg == "" {
			t.Fatal("empty pubsub payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pubsub message received")
	}
}
