package poller

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/hessu/aprs2net-backend/internal/model"
	"github.com/hessu/aprs2net-backend/internal/poll"
	"github.com/hessu/aprs2net-backend/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	mr := miniredis.RunT(t)
	s := store.NewRedis(mr.Addr(), 0)
	t.Cleanup(func() { s.Close() })
	return store.NewDB(s)
}

func okResult(score float64) *poll.Result {
	res := &poll.Result{OK: true, Flavor: model.FlavorAprsc, HTTPRTT: 0.05}
	res.Props = model.Props{
		Type:          model.FlavorAprsc,
		ID:            "T2TEST",
		Soft:          "aprsc",
		Vers:          "2.1.15",
		OS:            "Linux",
		Clients:       17,
		ClientsMax:    1000,
		Connects:      100,
		TotalBytesIn:  1000,
		TotalBytesOut: 2000,
		Score:         score,
		ScoreBase:     model.ScoreBase{"user_load": {Value: 17}},
	}
	return res
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func newTestManager(t *testing.T, db *store.DB, pollFn PollFn, ck *clock) *Manager {
	t.Helper()
	return New(Config{
		DB:           db,
		Log:          zap.NewNop().Sugar(),
		PollInterval: 300 * time.Second,
		Poll:         pollFn,
		Now:          ck.now,
	})
}

func TestManagerPollFlow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ck := &clock{t: time.Unix(1700000000, 0)}

	srv := &model.Server{ID: "T2TEST", Host: "t2test", Domain: "aprs2.net", IPv4: "192.0.2.1"}
	if err := db.StoreServer(ctx, srv); err != nil {
		t.Fatal(err)
	}
	if err := db.SetPollQ(ctx, "T2TEST", ck.t.Unix()-10); err != nil {
		t.Fatal(err)
	}

	var gotCached []string
	pollFn := func(ctx context.Context, log *zap.SugaredLogger, srv *model.Server, addrs model.AddressMap, cached string) *poll.Result {
		gotCached = append(gotCached, cached)
		log.Infof("%s: probing", srv.ID)
		return okResult(17)
	}
	m := newTestManager(t, db, pollFn, ck)

	m.scan()
	m.wg.Wait()

	st, err := db.GetServerStatus(ctx, "T2TEST")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.Status != model.StatusOK {
		t.Fatalf("status = %+v, want ok", st)
	}
	if st.LastTest != ck.t.Unix() {
		t.Errorf("LastTest = %d, want %d", st.LastTest, ck.t.Unix())
	}
	if st.LastChange != st.LastTest {
		t.Errorf("LastChange = %d, want %d on first result", st.LastChange, st.LastTest)
	}
	if st.Props.Score != 17 {
		t.Errorf("Score = %v, want 17", st.Props.Score)
	}
	if st.Avail3 != 100 || st.Avail30 != 100 {
		t.Errorf("avail = %v/%v, want 100/100", st.Avail3, st.Avail30)
	}

	at, ok, err := db.GetPollQ(ctx, "T2TEST")
	if err != nil || !ok {
		t.Fatalf("GetPollQ: %v ok=%v", err, ok)
	}
	if want := ck.t.Unix() + 300; at != want {
		t.Errorf("next poll at %d, want %d", at, want)
	}

	lg, err := db.GetServerLog(ctx, "T2TEST")
	if err != nil {
		t.Fatal(err)
	}
	if lg == nil || lg.Job == "" || !strings.Contains(lg.Log, "probing") {
		t.Errorf("server log = %+v, want captured job log", lg)
	}

	// Second round passes the detected flavor back in as the cache hint.
	ck.t = ck.t.Add(300 * time.Second)
	if err := db.SetPollQ(ctx, "T2TEST", ck.t.Unix()-1); err != nil {
		t.Fatal(err)
	}
	m.scan()
	m.wg.Wait()

	if len(gotCached) != 2 || gotCached[0] != "" || gotCached[1] != model.FlavorAprsc {
		t.Errorf("cached flavors across rounds = %v", gotCached)
	}
}

func TestManagerFailAddsPenalty(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ck := &clock{t: time.Unix(1700000000, 0)}

	srv := &model.Server{ID: "T2TEST", IPv4: "192.0.2.1"}
	if err := db.StoreServer(ctx, srv); err != nil {
		t.Fatal(err)
	}
	prev := &model.PollResult{
		Status:     model.StatusOK,
		LastTest:   ck.t.Unix() - 300,
		LastChange: ck.t.Unix() - 9000,
		Props:      model.Props{Type: model.FlavorAprsc, ID: "T2TEST", Soft: "aprsc", Vers: "2.1.15", OS: "Linux"},
	}
	if err := db.SetServerStatus(ctx, "T2TEST", prev); err != nil {
		t.Fatal(err)
	}

	pollFn := func(ctx context.Context, log *zap.SugaredLogger, srv *model.Server, addrs model.AddressMap, cached string) *poll.Result {
		res := &poll.Result{
			Errors: []model.ProbeError{{Code: "web-http-fail", Message: "connection refused"}},
		}
		res.Props.Score = 1000
		return res
	}
	m := newTestManager(t, db, pollFn, ck)
	m.pollServer(srv)

	st, err := db.GetServerStatus(ctx, "T2TEST")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != model.StatusFail {
		t.Fatalf("status = %s, want fail", st.Status)
	}
	if st.Props.Score != 2000 {
		t.Errorf("Score = %v, want 2000 with the failure penalty", st.Props.Score)
	}
	if c, ok := st.Props.ScoreBase["server-fail"]; !ok || c.Value != 1000 {
		t.Errorf("server-fail component = %+v ok=%v", c, ok)
	}
	if st.LastChange != ck.t.Unix() {
		t.Errorf("LastChange = %d, want %d on ok to fail transition", st.LastChange, ck.t.Unix())
	}
	if st.Props.Soft != "aprsc" || st.Props.Vers != "2.1.15" || st.Props.OS != "Linux" || st.Props.Type != model.FlavorAprsc {
		t.Errorf("identity props not carried: %+v", st.Props)
	}
	if st.Avail3 >= 100 {
		t.Errorf("Avail3 = %v, want below 100 after 300 s of downtime", st.Avail3)
	}
}

func TestManagerDeletedServerDequeued(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ck := &clock{t: time.Unix(1700000000, 0)}

	srv := &model.Server{ID: "T2GONE", IPv4: "192.0.2.9", Deleted: true}
	if err := db.StoreServer(ctx, srv); err != nil {
		t.Fatal(err)
	}
	if err := db.SetPollQ(ctx, "T2GONE", ck.t.Unix()-10); err != nil {
		t.Fatal(err)
	}

	pollFn := func(ctx context.Context, log *zap.SugaredLogger, srv *model.Server, addrs model.AddressMap, cached string) *poll.Result {
		t.Error("poll ran for a deleted server")
		return okResult(0)
	}
	m := newTestManager(t, db, pollFn, ck)
	m.scan()
	m.wg.Wait()

	if _, ok, _ := db.GetPollQ(ctx, "T2GONE"); ok {
		t.Error("deleted server still queued")
	}
}

func TestManagerRates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ck := &clock{t: time.Unix(1700000000, 0)}

	srv := &model.Server{ID: "T2TEST", IPv4: "192.0.2.1"}
	if err := db.StoreServer(ctx, srv); err != nil {
		t.Fatal(err)
	}

	bytesIn := int64(1000)
	pollFn := func(ctx context.Context, log *zap.SugaredLogger, srv *model.Server, addrs model.AddressMap, cached string) *poll.Result {
		res := okResult(17)
		res.Props.TotalBytesIn = bytesIn
		return res
	}
	m := newTestManager(t, db, pollFn, ck)

	m.pollServer(srv)
	st, _ := db.GetServerStatus(ctx, "T2TEST")
	if st.Props.RateBytesIn != 0 {
		t.Errorf("first round RateBytesIn = %v, want 0", st.Props.RateBytesIn)
	}

	ck.t = ck.t.Add(60 * time.Second)
	bytesIn = 7000
	m.pollServer(srv)
	st, _ = db.GetServerStatus(ctx, "T2TEST")
	if st.Props.RateBytesIn != 100 {
		t.Errorf("RateBytesIn = %v, want 100 after 6000 bytes in 60 s", st.Props.RateBytesIn)
	}

	// Counter reset: no rate for the round, but the new baseline sticks.
	ck.t = ck.t.Add(60 * time.Second)
	bytesIn = 500
	m.pollServer(srv)
	st, _ = db.GetServerStatus(ctx, "T2TEST")
	if st.Props.RateBytesIn != 0 {
		t.Errorf("RateBytesIn = %v, want 0 after a counter reset", st.Props.RateBytesIn)
	}
}

func TestManagerCrashRecovers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ck := &clock{t: time.Unix(1700000000, 0)}

	srv := &model.Server{ID: "T2TEST", IPv4: "192.0.2.1"}
	if err := db.StoreServer(ctx, srv); err != nil {
		t.Fatal(err)
	}

	pollFn := func(ctx context.Context, log *zap.SugaredLogger, srv *model.Server, addrs model.AddressMap, cached string) *poll.Result {
		panic("probe exploded")
	}
	m := newTestManager(t, db, pollFn, ck)
	m.pollServer(srv)

	st, err := db.GetServerStatus(ctx, "T2TEST")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.Status != model.StatusFail {
		t.Fatalf("status = %+v, want fail after a crash", st)
	}
	if len(st.Errors) != 1 || st.Errors[0].Code != "crash" {
		t.Fatalf("Errors = %v, want a single crash error", st.Errors)
	}
	if st.Props.Score != 2000 {
		t.Errorf("Score = %v, want 2000", st.Props.Score)
	}
}

func TestManagerMonotonicLastTest(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ck := &clock{t: time.Unix(1700000000, 0)}

	srv := &model.Server{ID: "T2TEST", IPv4: "192.0.2.1"}
	if err := db.StoreServer(ctx, srv); err != nil {
		t.Fatal(err)
	}

	pollFn := func(ctx context.Context, log *zap.SugaredLogger, srv *model.Server, addrs model.AddressMap, cached string) *poll.Result {
		return okResult(17)
	}
	m := newTestManager(t, db, pollFn, ck)

	m.pollServer(srv)
	first, _ := db.GetServerStatus(ctx, "T2TEST")

	// Clock stands still; the stored timestamp must still advance.
	m.pollServer(srv)
	second, _ := db.GetServerStatus(ctx, "T2TEST")

	if second.LastTest != first.LastTest+1 {
		t.Errorf("LastTest %d then %d, want strictly increasing", first.LastTest, second.LastTest)
	}
	if second.LastChange != first.LastChange {
		t.Errorf("LastChange moved from %d to %d without a status change", first.LastChange, second.LastChange)
	}
}
