package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/archivelog/archivelog/pkg/admin"
	"github.com/archivelog/archivelog/pkg/control"
	"github.com/archivelog/archivelog/pkg/logbook"
	"github.com/archivelog/archivelog/pkg/storage"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c := New(ts.URL + "/")
	c.backoffs = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return c
}

func TestRetryOnUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(logbook.VerifyResult{Checked: 7})
	}))

	res, err := c.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Checked != 7 || calls.Load() != 3 {
		t.Errorf("checked=%d calls=%d", res.Checked, calls.Load())
	}
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))

	_, err := c.Status(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestBackupIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	want := control.BackupResponse{
		Error: "One or more StorageLog operations failed (1/2 tenants)",
		Results: []admin.StorageLogBackupResult{
			{Tenant: 0, OperationID: "op-0", Outcome: logbook.OutcomeOK, Segments: []admin.SegmentBackup{}},
			{Tenant: 1, OperationID: "op-1", Outcome: logbook.OutcomeKO, Segments: []admin.SegmentBackup{}, Error: "boom"},
		},
	}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/storagelog/backup" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req control.BackupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Strategy != "default" {
			t.Errorf("request = %+v, %v", req, err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(want)
	}))

	got, err := c.Backup(context.Background(), true, control.BackupRequest{Strategy: "default", Tenants: []int{0, 1}})
	if err == nil || calls.Load() != 1 {
		t.Fatalf("err=%v calls=%d", err, calls.Load())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response (-want +got):\n%s", diff)
	}
}

func TestVerifyChainBroken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"error": "entry 2 hash mismatch", "checked": 1})
	}))
	if _, err := c.Verify(context.Background()); !errors.Is(err, ErrChainBroken) {
		t.Errorf("error = %v, want ErrChainBroken", err)
	}
}

func TestObjects(t *testing.T) {
	stored := map[string][]byte{}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/v1/objects/{strategy}/{category}/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(control.HeaderTenant) != "3" {
			http.Error(w, "tenant", http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(r.Body)
		stored[r.PathValue("name")] = data
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(storage.StoredInfo{ObjectName: r.PathValue("name"), Size: int64(len(data))})
	})
	mux.HandleFunc("GET /api/v1/objects/{strategy}/{category}/{name}", func(w http.ResponseWriter, r *http.Request) {
		data, ok := stored[r.PathValue("name")]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Write(data)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	info, err := c.PutObject(ctx, 3, "default", storage.Object, "a", []byte("payload"))
	if err != nil || info.Size != 7 {
		t.Fatalf("PutObject = %+v, %v", info, err)
	}
	data, err := c.GetObject(ctx, 3, "default", storage.Object, "a")
	if err != nil || string(data) != "payload" {
		t.Fatalf("GetObject = %q, %v", data, err)
	}
	var se *StatusError
	if _, err := c.GetObject(ctx, 3, "default", storage.Object, "b"); !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("missing object error = %v", err)
	}
}
