package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hessu/aprs2net-backend/internal/model"
	"github.com/hessu/aprs2net-backend/internal/store"
)

type evqState struct {
	Seq int64 `json:"seq"`
	Len int   `json:"len"`
}

type fullResponse struct {
	Result  string              `json:"result"`
	Evq     evqState            `json:"evq"`
	Servers []model.ServerEntry `json:"servers"`
}

type updResponse struct {
	Result string            `json:"result"`
	Evq    evqState          `json:"evq"`
	Ev     []json.RawMessage `json:"ev"`
}

// HandleFull serves the full status snapshot: every configured server
// paired with its latest poll result, plus the event queue position so
// a client can continue with upd.
func HandleFull(db *store.DB, evq *EventQueue, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		servers, err := db.GetServers(ctx)
		if err != nil {
			log.Errorf("web: full status: %v", err)
			WriteError(w, http.StatusInternalServerError, "store", "loading servers failed")
			return
		}
		statuses, err := db.GetServerStatuses(ctx)
		if err != nil {
			log.Errorf("web: full status: %v", err)
			WriteError(w, http.StatusInternalServerError, "store", "loading statuses failed")
			return
		}
		entries := make([]model.ServerEntry, 0, len(servers))
		for _, srv := range servers {
			entries = append(entries, model.ServerEntry{Config: srv, Status: statuses[srv.ID]})
		}
		seq, length, _ := evq.State()
		w.Header().Set("Cache-Control", "no-cache")
		WriteJSON(w, http.StatusOK, fullResponse{
			Result:  "full",
			Evq:     evqState{Seq: seq, Len: length},
			Servers: entries,
		})
	}
}

// HandleUpd serves the incremental event feed. A client already at the
// head of the queue is held until the next event or the wait bound
// passes; a sequence from the future resets the client with a full
// ring.
func HandleUpd(evq *EventQueue, maxWait time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		seq, err := strconv.ParseInt(r.URL.Query().Get("seq"), 10, 64)
		if err != nil {
			WriteJSON(w, http.StatusOK, map[string]string{"result": "fail"})
			return
		}
		cur, _, wait := evq.State()
		if seq > cur {
			seq = -1
		}
		if seq == cur {
			t := time.NewTimer(maxWait)
			defer t.Stop()
			select {
			case <-wait:
			case <-t.C:
			case <-r.Context().Done():
				return
			}
		}
		ev := evq.Since(seq)
		if ev == nil {
			ev = []json.RawMessage{}
		}
		cur, length, _ := evq.State()
		WriteJSON(w, http.StatusOK, updResponse{
			Result: "ok",
			Evq:    evqState{Seq: cur, Len: length},
			Ev:     ev,
		})
	}
}
