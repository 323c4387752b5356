package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/archivelog/archivelog/pkg/admin"
	"github.com/archivelog/archivelog/pkg/client"
	"github.com/archivelog/archivelog/pkg/config"
	"github.com/archivelog/archivelog/pkg/control"
	"github.com/archivelog/archivelog/pkg/storage"
	"github.com/archivelog/archivelog/pkg/storagelog"
)

const configYAML = `
storage_log:
  path: ${ARCHIVELOG_E2E_ROOT}/logs
  tenants: [0, 1]
workspace:
  type: local
  config:
    root: ${ARCHIVELOG_E2E_ROOT}/workspace
backends:
  - name: offer-a
    type: local
    config:
      root: ${ARCHIVELOG_E2E_ROOT}/offer-a
  - name: offer-b
    type: local
    config:
      root: ${ARCHIVELOG_E2E_ROOT}/offer-b
strategies:
  - id: default
    offers: [offer-a, offer-b]
backup:
  compression: zstd
  strategy: default
logbook:
  path: ${ARCHIVELOG_E2E_ROOT}/logbook
`

// stack is one running control plane over a configuration rooted in a
// temporary directory.
type stack struct {
	root   string
	cfg    *config.Config
	sys    *control.System
	ts     *httptest.Server
	client *client.Client
}

func writeConfig(t *testing.T) (root, path string) {
	t.Helper()
	root = t.TempDir()
	t.Setenv("ARCHIVELOG_E2E_ROOT", root)
	for _, d := range []string{"workspace", "offer-a", "offer-b"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	path = filepath.Join(root, "config.yaml")
	if err := os.WriteFile(path, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return root, path
}

// startStack loads the configuration and serves the API. stop closes the
// server and the system so a later startStack can reopen the same root.
func startStack(t *testing.T, root, configPath string) (s *stack, stop func()) {
	t.Helper()
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	sys, err := control.OpenSystem(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(control.NewServer(sys).Handler())
	s = &stack{root: root, cfg: cfg, sys: sys, ts: ts, client: client.New(ts.URL)}

	stopped := false
	stop = func() {
		if stopped {
			return
		}
		stopped = true
		ts.Close()
		if err := sys.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	}
	t.Cleanup(stop)
	return s, stop
}

// backupContent reads a backup object from an offer and decompresses it.
func (s *stack) backupContent(t *testing.T, offer string, tenant int, cat storage.DataCategory, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(s.root, offer, cat.Folder(tenant), name))
	if err != nil {
		t.Fatal(err)
	}
	rc, err := admin.Decompress(admin.CompressionForObject(name), bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	plain, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(plain)
}

func TestE2E_BackupPipeline(t *testing.T) {
	root, cfgPath := writeConfig(t)
	s, stop := startStack(t, root, cfgPath)
	ctx := context.Background()

	objects := map[int][]byte{0: []byte("tenant zero payload"), 1: []byte("tenant one payload")}
	for tenant, data := range objects {
		name := "obj-" + string(rune('0'+tenant))
		info, err := s.client.PutObject(ctx, tenant, "default", storage.Object, name, data)
		if err != nil {
			t.Fatalf("PutObject tenant %d: %v", tenant, err)
		}
		if len(info.Offers) != 2 || info.Size != int64(len(data)) {
			t.Errorf("stored info = %+v", info)
		}
	}
	got, err := s.client.GetObject(ctx, 0, "default", storage.Object, "obj-0")
	if err != nil || !bytes.Equal(got, objects[0]) {
		t.Fatalf("GetObject = %q, %v", got, err)
	}

	// Write log: one segment per tenant holding that tenant's write only.
	writes, err := s.client.Backup(ctx, true, control.BackupRequest{})
	if err != nil {
		t.Fatalf("write backup: %v", err)
	}
	if len(writes.Results) != 2 {
		t.Fatalf("write results = %+v", writes.Results)
	}
	for _, r := range writes.Results {
		if len(r.Segments) != 1 {
			t.Fatalf("tenant %d segments = %+v", r.Tenant, r.Segments)
		}
		seg := r.Segments[0]
		if !strings.HasPrefix(seg.ObjectName, string(rune('0'+r.Tenant))+"_") || !strings.HasSuffix(seg.ObjectName, ".log.zst") {
			t.Errorf("object name %q", seg.ObjectName)
		}
		for _, offer := range []string{"offer-a", "offer-b"} {
			content := s.backupContent(t, offer, r.Tenant, storage.StorageLog, seg.ObjectName)
			own := "obj-" + string(rune('0'+r.Tenant))
			other := "obj-" + string(rune('1'-r.Tenant))
			if !strings.Contains(content, own) || strings.Contains(content, other) {
				t.Errorf("tenant %d backup on %s = %q", r.Tenant, offer, content)
			}
		}
	}

	// Access log: only tenant 0 read anything.
	reads, err := s.client.Backup(ctx, false, control.BackupRequest{Tenants: []int{0}})
	if err != nil {
		t.Fatalf("access backup: %v", err)
	}
	if len(reads.Results) != 1 || len(reads.Results[0].Segments) != 1 {
		t.Fatalf("access results = %+v", reads.Results)
	}
	access := s.backupContent(t, "offer-a", 0, storage.StorageAccessLog, reads.Results[0].Segments[0].ObjectName)
	if !strings.Contains(access, `"objectIdentifier":"obj-0"`) {
		t.Errorf("access backup = %q", access)
	}

	// Nothing new was written since the last rotation.
	again, err := s.client.Backup(ctx, true, control.BackupRequest{})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range again.Results {
		if len(r.Segments) != 0 {
			t.Errorf("second backup of tenant %d stored %d segments", r.Tenant, len(r.Segments))
		}
	}

	recent, err := s.client.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("logbook holds %d entries, want 3", len(recent))
	}
	op, err := s.client.Operation(ctx, writes.Results[0].OperationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(op) != 1 || op[0].Digest != writes.Results[0].Segments[0].Digest {
		t.Errorf("operation entries = %+v", op)
	}
	if v, err := s.client.Verify(ctx); err != nil || v.Checked != 3 {
		t.Errorf("Verify = %+v, %v", v, err)
	}

	left, err := os.ReadDir(filepath.Join(root, "workspace"))
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("workspace still holds %d containers", len(left))
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, f := range families {
		seen[f.GetName()] = true
	}
	for _, name := range []string{
		"archivelog_storagelog_appends_total",
		"archivelog_storagelog_rotations_total",
		"archivelog_backup_tenant_runs_total",
		"archivelog_backup_segments_total",
		"archivelog_backup_duration_seconds",
		"archivelog_backend_request_duration_seconds",
		"archivelog_backend_bytes_written_total",
		"archivelog_logbook_entries_total",
	} {
		if !seen[name] {
			t.Errorf("metric %s not exported", name)
		}
	}

	// The logbook chain survives a restart.
	stop()
	s, _ = startStack(t, root, cfgPath)
	if n := s.sys.Logbook.Len(); n != 3 {
		t.Errorf("logbook entries after restart = %d, want 3", n)
	}
	if _, err := s.client.Verify(ctx); err != nil {
		t.Errorf("Verify after restart: %v", err)
	}
}

func TestE2E_RecoverSegmentsAfterRestart(t *testing.T) {
	root, cfgPath := writeConfig(t)
	s, stop := startStack(t, root, cfgPath)
	for i := range 5 {
		entry := storagelog.NewLogEntry(storagelog.Field{Key: "objectIdentifier", Value: "before-restart"},
			storagelog.Field{Key: "n", Value: i})
		if err := s.sys.Logs.AppendWriteLog(1, entry); err != nil {
			t.Fatal(err)
		}
	}
	stop()

	s, _ = startStack(t, root, cfgPath)
	resp, err := s.client.Backup(context.Background(), true, control.BackupRequest{Tenants: []int{1}})
	if err != nil {
		t.Fatal(err)
	}
	segs := resp.Results[0].Segments
	if len(segs) != 1 {
		t.Fatalf("segments = %+v", segs)
	}
	content := s.backupContent(t, "offer-b", 1, storage.StorageLog, segs[0].ObjectName)
	if n := strings.Count(content, "before-restart"); n != 5 {
		t.Errorf("recovered backup holds %d entries, want 5", n)
	}
}

func TestE2E_FailedBackupIsRetried(t *testing.T) {
	root, cfgPath := writeConfig(t)
	s, _ := startStack(t, root, cfgPath)
	ctx := context.Background()
	if _, err := s.client.PutObject(ctx, 0, "default", storage.Object, "obj-0", []byte("data")); err != nil {
		t.Fatal(err)
	}

	// A file in place of tenant 0's folder on offer-b makes the store fail.
	blocker := filepath.Join(root, "offer-b", storage.StorageLog.Folder(0))
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	resp, err := s.client.Backup(ctx, true, control.BackupRequest{Tenants: []int{0, 1}})
	if err == nil || !strings.Contains(err.Error(), "One or more StorageLog operations failed (1/2 tenants)") {
		t.Fatalf("error = %v", err)
	}
	if len(resp.Results) != 2 || resp.Results[0].Outcome != "KO" || resp.Results[1].Outcome != "OK" {
		t.Fatalf("results = %+v", resp.Results)
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	resp, err = s.client.Backup(ctx, true, control.BackupRequest{Tenants: []int{0}})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	segs := resp.Results[0].Segments
	if len(segs) != 1 {
		t.Fatalf("retried segments = %+v", segs)
	}
	if content := s.backupContent(t, "offer-b", 0, storage.StorageLog, segs[0].ObjectName); !strings.Contains(content, "obj-0") {
		t.Errorf("retried backup = %q", content)
	}

	recent, err := s.client.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	var ok, ko int
	for _, e := range recent {
		switch e.Outcome {
		case "OK":
			ok++
		case "KO":
			ko++
		}
	}
	if ko != 1 || ok != 1 {
		t.Errorf("logbook outcomes ok=%d ko=%d, want 1 and 1", ok, ko)
	}
}
