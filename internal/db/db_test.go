package db

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/chmdznr/gallery-uploader/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestTargets(t *testing.T) {
	d := openTestDB(t)

	api := &models.Target{Name: "studio", Kind: models.TargetAPI, APIURL: "https://api.example/v1", TargetID: "gal-1", Token: "tok"}
	bucket := &models.Target{Name: "archive", Kind: models.TargetPresign}
	bucket.Destination.Backend = "minio"
	bucket.Destination.Endpoint = "minio.local:9000"
	bucket.Destination.Bucket = "photos"
	bucket.Destination.Prefix = "family"

	for _, tg := range []*models.Target{api, bucket} {
		if err := d.CreateTarget(tg); err != nil {
			t.Fatalf("CreateTarget(%s) error = %v", tg.Name, err)
		}
	}
	if err := d.CreateTarget(api); err == nil {
		t.Errorf("CreateTarget(%s) twice succeeded; want unique name error", api.Name)
	}

	tests := []struct {
		name    string
		lookup  string
		want    *models.Target
		wantErr error
	}{
		{name: "api target", lookup: "studio", want: api},
		{name: "bucket target", lookup: "archive", want: bucket},
		{name: "missing", lookup: "missing", wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.GetTarget(tt.lookup)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GetTarget(%s) error = %v; want %v", tt.lookup, err, tt.wantErr)
			}
			if tt.want != nil && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("GetTarget(%s) = %+v; want %+v", tt.lookup, got, tt.want)
			}
		})
	}

	all, err := d.ListTargets()
	if err != nil {
		t.Fatalf("ListTargets() error = %v", err)
	}
	if len(all) != 2 || all[0].Name != "archive" || all[1].Name != "studio" {
		t.Errorf("ListTargets() = %+v; want archive, studio", all)
	}
}

func TestUploadsAndStats(t *testing.T) {
	d := openTestDB(t)
	base := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)

	empty, err := d.Stats("family")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if empty.Uploads != 0 || !empty.LastUpload.IsZero() {
		t.Errorf("Stats() on empty history = %+v", empty)
	}

	batch1 := []models.UploadRecord{
		{LocalID: "a", Filename: "a.jpg", OriginalSize: 1000, ByteSize: 400, Width: 4, Height: 3, Token: "t-a", ConfirmedAt: base},
		{LocalID: "b", Filename: "b.jpg", OriginalSize: 2000, ByteSize: 900, ConfirmedAt: base},
	}
	batch2 := []models.UploadRecord{
		{LocalID: "c", Filename: "c.png", OriginalSize: 500, ByteSize: 500, ConfirmedAt: base.Add(time.Minute)},
	}
	for _, rec := range []struct {
		target string
		recs   []models.UploadRecord
	}{{"family", batch1}, {"family", batch2}, {"other", batch2}} {
		if err := d.RecordUploads(rec.target, rec.recs); err != nil {
			t.Fatalf("RecordUploads(%s) error = %v", rec.target, err)
		}
	}

	tests := []struct {
		name      string
		limit     int
		wantLen   int
		wantFirst string
	}{
		{name: "limited", limit: 2, wantLen: 2, wantFirst: "c.png"},
		{name: "all", limit: 0, wantLen: 3, wantFirst: "c.png"},
		{name: "negative means all", limit: -1, wantLen: 3, wantFirst: "c.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := d.ListUploads("family", tt.limit)
			if err != nil {
				t.Fatalf("ListUploads() error = %v", err)
			}
			if len(recs) != tt.wantLen {
				t.Fatalf("ListUploads(%d) returned %d records; want %d", tt.limit, len(recs), tt.wantLen)
			}
			first := recs[0]
			if first.Filename != tt.wantFirst || first.Target != "family" || !first.ConfirmedAt.Equal(base.Add(time.Minute)) {
				t.Errorf("ListUploads(%d)[0] = %+v; want %s confirmed at %v", tt.limit, first, tt.wantFirst, base.Add(time.Minute))
			}
		})
	}

	stats, err := d.Stats("family")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := models.HistoryStats{Uploads: 3, OriginalBytes: 3500, UploadedBytes: 1800, LastUpload: base.Add(time.Minute)}
	if stats.Uploads != want.Uploads || stats.OriginalBytes != want.OriginalBytes ||
		stats.UploadedBytes != want.UploadedBytes || !stats.LastUpload.Equal(want.LastUpload) {
		t.Errorf("Stats() = %+v; want %+v", *stats, want)
	}
}
