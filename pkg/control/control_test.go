package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/archivelog/archivelog/pkg/admin"
	"github.com/archivelog/archivelog/pkg/config"
	"github.com/archivelog/archivelog/pkg/logbook"
	"github.com/archivelog/archivelog/pkg/storage"
	"github.com/archivelog/archivelog/pkg/storagelog"
)

type testEnv struct {
	sys       *System
	srv       *Server
	handler   http.Handler
	offerDirs map[string]string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	offerDirs := map[string]string{"offer-1": t.TempDir(), "offer-2": t.TempDir()}
	cfg := &config.Config{
		StorageLog: config.StorageLogConfig{Path: t.TempDir(), Tenants: []int{0, 1}},
		Workspace: config.WorkspaceConfig{
			Type:   "local",
			Config: map[string]string{"root": t.TempDir()},
		},
		Backends: []config.BackendConfig{
			{Name: "offer-1", Type: "local", Config: map[string]string{"root": offerDirs["offer-1"]}},
			{Name: "offer-2", Type: "local", Config: map[string]string{"root": offerDirs["offer-2"]}},
		},
		Strategies: []config.StrategyConfig{
			{ID: "default", Offers: []string{"offer-1", "offer-2"}},
		},
		Backup:  config.BackupConfig{Compression: "zstd", Timeout: time.Minute, Strategy: "default"},
		Logbook: config.LogbookConfig{Path: t.TempDir()},
	}
	sys, err := OpenSystem(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sys.Close() })
	srv := NewServer(sys)
	return &testEnv{sys: sys, srv: srv, handler: srv.Handler(), offerDirs: offerDirs}
}

func (e *testEnv) do(t *testing.T, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (status %d)", err, w.Code)
	}
	return v
}

func TestBackupEndpoint(t *testing.T) {
	env := newTestEnv(t)
	lines := []string{}
	for i := range 3 {
		entry := storagelog.NewLogEntry(storagelog.Field{Key: "op", Value: "write"}, storagelog.Field{Key: "n", Value: i})
		if err := env.sys.Logs.AppendWriteLog(0, entry); err != nil {
			t.Fatal(err)
		}
		line, _ := entry.Line()
		lines = append(lines, string(line))
	}

	w := env.do(t, http.MethodPost, "/api/v1/storagelog/backup", `{"strategy":"default","tenants":[0]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[BackupResponse](t, w)
	if len(resp.Results) != 1 || resp.Error != "" {
		t.Fatalf("response = %+v", resp)
	}
	res := resp.Results[0]
	if res.Outcome != logbook.OutcomeOK || len(res.Segments) != 1 {
		t.Fatalf("result = %+v", res)
	}
	seg := res.Segments[0]

	for name, dir := range env.offerDirs {
		data, err := os.ReadFile(filepath.Join(dir, "0_STORAGELOG", seg.ObjectName))
		if err != nil {
			t.Fatalf("offer %s: %v", name, err)
		}
		rc, err := admin.Decompress(admin.CompressionForObject(seg.ObjectName), strings.NewReader(string(data)))
		if err != nil {
			t.Fatal(err)
		}
		plain, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		for _, line := range lines {
			if !strings.Contains(string(plain), line) {
				t.Errorf("offer %s: backup lacks %q", name, line)
			}
		}
	}

	w = env.do(t, http.MethodGet, "/api/v1/logbook/operations/"+res.OperationID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("logbook status = %d", w.Code)
	}
	entries := decodeBody[[]logbook.Entry](t, w)
	if len(entries) != 1 || entries[0].ObjectName != seg.ObjectName || entries[0].Digest != seg.Digest ||
		entries[0].EventType != "STP_STORAGE_BACKUP" {
		t.Errorf("logbook entries = %+v", entries)
	}

	w = env.do(t, http.MethodGet, "/api/v1/logbook/verify", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", w.Code, w.Body.String())
	}
	if v := decodeBody[logbook.VerifyResult](t, w); v.Checked != 1 {
		t.Errorf("verify checked %d entries", v.Checked)
	}
}

func TestBackupEndpointDefaultsAndEmptyLogs(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/storageaccesslog/backup", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[BackupResponse](t, w)
	if len(resp.Results) != 2 {
		t.Fatalf("expected one result per configured tenant, got %d", len(resp.Results))
	}
	for _, r := range resp.Results {
		if r.Outcome != logbook.OutcomeOK || len(r.Segments) != 0 {
			t.Errorf("result = %+v", r)
		}
	}
	if env.sys.Logbook.Len() != 0 {
		t.Error("empty logs should not be audited")
	}
}

func TestBackupEndpointPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	for _, tenant := range []int{0, 1} {
		entry := storagelog.NewLogEntry(storagelog.Field{Key: "op", Value: "read"})
		if err := env.sys.Logs.AppendAccessLog(tenant, entry); err != nil {
			t.Fatal(err)
		}
	}
	// A file where tenant 1's folder belongs makes every store for it fail.
	blocker := filepath.Join(env.offerDirs["offer-2"], "1_STORAGEACCESSLOG")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodPost, "/api/v1/storageaccesslog/backup", `{"tenants":[0,1]}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[BackupResponse](t, w)
	if !strings.Contains(resp.Error, "StorageAccessLog") {
		t.Errorf("error %q does not name the category", resp.Error)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].Outcome != logbook.OutcomeOK || resp.Results[1].Outcome != logbook.OutcomeKO {
		t.Errorf("outcomes = %s, %s", resp.Results[0].Outcome, resp.Results[1].Outcome)
	}

	for _, st := range env.sys.Logs.Status() {
		want := 0
		if st.Tenant == 1 && st.Category == storagelog.Access.String() {
			want = 1
		}
		if st.Pending != want {
			t.Errorf("tenant %d %s pending = %d, want %d", st.Tenant, st.Category, st.Pending, want)
		}
	}

	wsRoot := env.sys.Config.Workspace.Config["root"]
	left, err := os.ReadDir(wsRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("workspace still holds %d containers", len(left))
	}
}

func TestBackupEndpointValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, tc := range []struct {
		name string
		body string
	}{
		{"bad json", `{"strategy":`},
		{"unknown strategy", `{"strategy":"nope"}`},
		{"unknown tenant", `{"tenants":[7]}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/storagelog/backup", tc.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestObjectPutGet(t *testing.T) {
	env := newTestEnv(t)
	hdr := map[string]string{HeaderTenant: "1", HeaderRequest: "req-1"}

	w := env.do(t, http.MethodPut, "/api/v1/objects/default/OBJECT/obj-1", "hello archive", hdr)
	if w.Code != http.StatusCreated {
		t.Fatalf("PUT status = %d: %s", w.Code, w.Body.String())
	}
	info := decodeBody[storage.StoredInfo](t, w)
	if info.Size != int64(len("hello archive")) || len(info.Offers) != 2 || info.Digest == "" {
		t.Errorf("stored info = %+v", info)
	}

	w = env.do(t, http.MethodGet, "/api/v1/objects/default/OBJECT/obj-1", "", hdr)
	if w.Code != http.StatusOK || w.Body.String() != "hello archive" {
		t.Fatalf("GET = %d %q", w.Code, w.Body.String())
	}

	var writes, reads int64
	for _, st := range env.sys.Logs.Status() {
		if st.Tenant != 1 {
			continue
		}
		if st.Category == storagelog.Write.String() {
			writes = st.ActiveEntries
		} else {
			reads = st.ActiveEntries
		}
	}
	if writes != 1 || reads != 1 {
		t.Errorf("journaled writes=%d reads=%d, want 1 and 1", writes, reads)
	}

	w = env.do(t, http.MethodGet, "/api/v1/objects/default/OBJECT/missing", "", hdr)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing object status = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/v1/objects/nope/OBJECT/obj-1", "", hdr)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown strategy status = %d", w.Code)
	}
}

func TestObjectRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, tc := range []struct {
		name   string
		target string
		tenant string
	}{
		{"missing tenant", "/api/v1/objects/default/OBJECT/a", ""},
		{"bad tenant", "/api/v1/objects/default/OBJECT/a", "x"},
		{"unknown tenant", "/api/v1/objects/default/OBJECT/a", "9"},
		{"unknown category", "/api/v1/objects/default/PICTURE/a", "0"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hdr := map[string]string{}
			if tc.tenant != "" {
				hdr[HeaderTenant] = tc.tenant
			}
			if w := env.do(t, http.MethodGet, tc.target, "", hdr); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestLogbookEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/logbook", "", nil)
	if got := decodeBody[[]logbook.Entry](t, w); w.Code != http.StatusOK || len(got) != 0 {
		t.Errorf("empty logbook = %d %+v", w.Code, got)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/logbook/operations/unknown", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown operation status = %d", w.Code)
	}

	ctx := context.Background()
	for i := range 3 {
		_, err := env.sys.Logbook.BulkCreate(ctx, "op-"+string(rune('a'+i)), []logbook.Entry{{
			EventType: "STP_STORAGE_BACKUP", Outcome: logbook.OutcomeOK, Tenant: 0, Time: time.Now(),
		}})
		if err != nil {
			t.Fatal(err)
		}
	}
	w = env.do(t, http.MethodGet, "/api/v1/logbook?limit=2", "", nil)
	got := decodeBody[[]logbook.Entry](t, w)
	if len(got) != 2 || got[0].OperationID != "op-c" || got[1].OperationID != "op-b" {
		t.Errorf("recent = %+v", got)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if err := env.sys.Logs.AppendWriteLog(0, storagelog.NewLogEntry(storagelog.Field{Key: "op", Value: "write"})); err != nil {
		t.Fatal(err)
	}
	w := env.do(t, http.MethodGet, "/api/v1/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	rep := decodeBody[StatusReport](t, w)
	if len(rep.Shards) != 4 {
		t.Errorf("shards = %d, want 4", len(rep.Shards))
	}
	if rep.Shards[0].Tenant != 0 || rep.Shards[0].ActiveEntries != 1 {
		t.Errorf("first shard = %+v", rep.Shards[0])
	}
	if len(rep.Offers) != 2 || len(rep.Strategies) != 1 || !rep.Logbook.Healthy {
		t.Errorf("status = %+v", rep)
	}
	if rep.Schedule.Strategy != "default" {
		t.Errorf("schedule = %+v", rep.Schedule)
	}
}

func TestRunShutsDown(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetRESTAddr("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
