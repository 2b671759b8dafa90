package transport

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldbooks/fieldbooks/internal/protocol"
	"github.com/fieldbooks/fieldbooks/internal/schema"
	"github.com/fieldbooks/fieldbooks/internal/server"
)

const (
	deviceA = "aaaaaaaa-1111-4111-8111-111111111111"
	deviceB = "bbbbbbbb-2222-4222-8222-222222222222"
)

var testSecret = []byte("test-secret")

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := server.Open(filepath.Join(t.TempDir(), "server.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("server.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	ts := httptest.NewServer(NewServer(store, testSecret, log.New(io.Discard, "", 0)).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func clientFor(t *testing.T, ts *httptest.Server, deviceID string) *Client {
	t.Helper()
	token, err := IssueToken(testSecret, deviceID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return NewClient(ts.URL, token)
}

func customerRecord(id, deviceID, name string) schema.Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return schema.Record{
		ID: id, DeviceID: deviceID, CreatedAt: now, UpdatedAt: now,
		Fields: map[string]any{"name": name},
	}
}

func TestClient_UploadDownloadRoundTrip(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()

	clientA := clientFor(t, ts, deviceA)
	resp, err := clientA.Upload(ctx, &protocol.UploadRequest{
		DeviceID: deviceA,
		Table:    schema.TableCustomers,
		Records:  []schema.Record{customerRecord("cust-1", deviceA, "Acme Plumbing")},
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if resp.SyncedCount != 1 {
		t.Fatalf("SyncedCount = %d, want 1 (failed: %+v)", resp.SyncedCount, resp.Failed)
	}

	clientB := clientFor(t, ts, deviceB)
	down, err := clientB.Download(ctx, &protocol.DownloadRequest{
		DeviceID: deviceB,
		Table:    schema.TableCustomers,
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if down.Count != 1 {
		t.Fatalf("Count = %d, want 1", down.Count)
	}
	rec := down.Records[0]
	if rec.ID != "cust-1" || rec.StringField("name") != "Acme Plumbing" {
		t.Errorf("record = %+v, want cust-1/Acme Plumbing", rec)
	}
}

func TestServer_RejectsMissingToken(t *testing.T) {
	ts := startTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/sync/status")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestServer_RejectsTokenForOtherDevice(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()

	// Token for device B, request claiming device A.
	client := clientFor(t, ts, deviceB)
	_, err := client.Upload(ctx, &protocol.UploadRequest{
		DeviceID: deviceA,
		Table:    schema.TableCustomers,
		Records:  []schema.Record{customerRecord("cust-1", deviceA, "Acme Plumbing")},
	})
	if err == nil {
		t.Fatal("Upload() with mismatched device succeeded, want error")
	}
}

func TestServer_RejectsExpiredToken(t *testing.T) {
	ts := startTestServer(t)

	token, err := IssueToken(testSecret, deviceA, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	client := NewClient(ts.URL, token)
	if _, err := client.Status(context.Background()); err == nil {
		t.Fatal("Status() with expired token succeeded, want error")
	}
}

func TestServer_UnknownTableIs404(t *testing.T) {
	ts := startTestServer(t)

	client := clientFor(t, ts, deviceA)
	_, err := client.Download(context.Background(), &protocol.DownloadRequest{
		DeviceID: deviceA,
		Table:    "not_a_table",
	})
	if err == nil {
		t.Fatal("Download() with unknown table succeeded, want error")
	}
}

func TestServer_ValidatesUploadBody(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()

	client := clientFor(t, ts, "not-a-uuid")
	_, err := client.Upload(ctx, &protocol.UploadRequest{
		DeviceID: "not-a-uuid",
		Table:    schema.TableCustomers,
		Records:  []schema.Record{customerRecord("cust-1", "not-a-uuid", "Acme Plumbing")},
	})
	if err == nil {
		t.Fatal("Upload() with malformed device_id succeeded, want validation error")
	}
}

func TestClient_ConflictsRoundTrip(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	clientA := clientFor(t, ts, deviceA)
	clientB := clientFor(t, ts, deviceB)

	recA := customerRecord("cust-1", deviceA, "Old Name")
	recA.UpdatedAt = now
	if _, err := clientA.Upload(ctx, &protocol.UploadRequest{
		DeviceID: deviceA, Table: schema.TableCustomers,
		Records: []schema.Record{recA},
	}); err != nil {
		t.Fatalf("Upload(A) error = %v", err)
	}

	recB := customerRecord("cust-1", deviceB, "New Name")
	recB.UpdatedAt = now.Add(time.Minute)
	if _, err := clientB.Upload(ctx, &protocol.UploadRequest{
		DeviceID: deviceB, Table: schema.TableCustomers,
		Records: []schema.Record{recB},
	}); err != nil {
		t.Fatalf("Upload(B) error = %v", err)
	}

	conflicts, err := clientA.Conflicts(ctx, &protocol.ConflictsRequest{DeviceID: deviceA})
	if err != nil {
		t.Fatalf("Conflicts() error = %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}
	if conflicts[0].WinnerDeviceID != deviceB {
		t.Errorf("WinnerDeviceID = %s, want %s", conflicts[0].WinnerDeviceID, deviceB)
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	ts := startTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
