package ingestion

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mist-health/mdf-pipeline/pkg/common/models"
	"github.com/mist-health/mdf-pipeline/pkg/dataset"
	"github.com/mist-health/mdf-pipeline/pkg/detect"
	"github.com/mist-health/mdf-pipeline/pkg/pipeline"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, j pipeline.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, j)
	return d.err
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]models.DatasetMetadata
	gets    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]models.DatasetMetadata)}
}

func (c *mapCache) Get(_ context.Context, id string) (*models.DatasetMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	m, ok := c.entries[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (c *mapCache) Set(_ context.Context, meta *models.DatasetMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[meta.ID] = *meta
	return nil
}

func (c *mapCache) Cleanup(_ context.Context, ttl time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, m := range c.entries {
		if m.Status.Terminal() && time.Since(m.UpdatedAt) > ttl {
			delete(c.entries, id)
			n++
		}
	}
	return n, nil
}

type countingCanceller struct{ ids []string }

func (c *countingCanceller) Cancel(_ context.Context, id string) error {
	c.ids = append(c.ids, id)
	return nil
}

func newService(d Dispatcher, cache StatusCache, cancels ...CancelSignal) (*Service, *dataset.MemoryStore) {
	store := dataset.NewMemoryStore()
	return NewService(NewValidator(1024, DefaultExtensions), detect.New(0), store, d, cache, time.Hour, cancels...), store
}

func TestSubmitCreatesUploadedDataset(t *testing.T) {
	d := &recordingDispatcher{}
	svc, store := newService(d, nil)
	h, err := svc.Submit(context.Background(), models.RawInput{Filename: "a.csv", Data: []byte("hr,dob\n70,1990-01-01\n")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	meta, err := store.Get(context.Background(), h.DatasetID)
	if err != nil || meta.Status != models.StatusUploaded {
		t.Fatalf("expected uploaded dataset, got %+v (%v)", meta, err)
	}
	if len(d.jobs) != 1 || d.jobs[0].DatasetID != h.DatasetID || d.jobs[0].Input.Filename != "a.csv" {
		t.Fatalf("unexpected dispatched jobs %+v", d.jobs)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newService(&recordingDispatcher{}, nil)
	cases := []struct {
		name string
		in   models.RawInput
		want error
	}{
		{"empty", models.RawInput{Filename: "a.csv"}, errEmptyPayload},
		{"no filename", models.RawInput{Data: []byte("x")}, errMissingFilename},
		{"too large", models.RawInput{Filename: "a.csv", Data: make([]byte, 2048)}, errPayloadTooLarge},
		{"extension", models.RawInput{Filename: "a.exe", Data: []byte("x")}, errInvalidExtension},
	}
	for _, tc := range cases {
		_, err := svc.Submit(context.Background(), tc.in)
		if !IsValidationError(err) || !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSubmitDispatchFailureMarksFailed(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("broker down")}
	svc, store := newService(d, nil)
	_, err := svc.Submit(context.Background(), models.RawInput{Filename: "a.csv", Data: []byte("a,b\n1,2\n")})
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	meta, err := store.Get(context.Background(), d.jobs[0].DatasetID)
	if err != nil || meta.Status != models.StatusFailed {
		t.Fatalf("expected failed dataset, got %+v (%v)", meta, err)
	}
}

func TestStatusCachesTerminalOnly(t *testing.T) {
	cache := newMapCache()
	svc, store := newService(&recordingDispatcher{}, cache)
	ctx := context.Background()
	h, _ := svc.Submit(ctx, models.RawInput{Filename: "a.csv", Data: []byte("a,b\n1,2\n")})

	if _, err := svc.Status(ctx, h); err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(cache.entries) != 0 {
		t.Fatal("non-terminal status must not be cached")
	}
	_ = store.MarkFailed(ctx, h.DatasetID, "Cancelled: job cancelled", nil)
	meta, _ := svc.Status(ctx, h)
	if meta.Status != models.StatusFailed || len(cache.entries) != 1 {
		t.Fatalf("expected cached failed status, got %+v", meta)
	}
}

func TestStatusNotFound(t *testing.T) {
	svc, _ := newService(&recordingDispatcher{}, nil)
	if _, err := svc.Status(context.Background(), models.JobHandle{DatasetID: "nope"}); !errors.Is(err, dataset.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	c := &countingCanceller{}
	svc, store := newService(&recordingDispatcher{}, nil, c)
	ctx := context.Background()
	h, _ := svc.Submit(ctx, models.RawInput{Filename: "a.csv", Data: []byte("a,b\n1,2\n")})
	if err := svc.Cancel(ctx, h); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(c.ids) != 1 || c.ids[0] != h.DatasetID {
		t.Fatalf("expected cancellation signal, got %v", c.ids)
	}
	_ = store.MarkFailed(ctx, h.DatasetID, "Cancelled: job cancelled", nil)
	if err := svc.Cancel(ctx, h); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("expected ErrAlreadyFinished, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	svc, _ := newService(&recordingDispatcher{}, nil)
	kind, err := svc.Validate(models.RawInput{Filename: "msg.hl7", Data: []byte("MSH|^~\\&|A|B|||20240101||ADT^A01|1|P|2.5\r")})
	if err != nil || kind != models.FormatHL7 {
		t.Fatalf("expected hl7, got %q %v", kind, err)
	}
	if _, err := svc.Validate(models.RawInput{Filename: "x.txt", Data: []byte("plain words only")}); !errors.Is(err, detect.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestDocumentRequiresNormalized(t *testing.T) {
	svc, _ := newService(&recordingDispatcher{}, nil)
	h, _ := svc.Submit(context.Background(), models.RawInput{Filename: "a.csv", Data: []byte("a,b\n1,2\n")})
	if _, err := svc.Document(context.Background(), h); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestCleanup(t *testing.T) {
	cache := newMapCache()
	cache.entries["old"] = models.DatasetMetadata{ID: "old", Status: models.StatusNormalized, UpdatedAt: time.Now().Add(-2 * time.Hour)}
	cache.entries["new"] = models.DatasetMetadata{ID: "new", Status: models.StatusNormalized, UpdatedAt: time.Now()}
	svc, _ := newService(&recordingDispatcher{}, cache)
	if err := svc.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, ok := cache.entries["old"]; ok {
		t.Fatal("expected old entry removed")
	}
	if _, ok := cache.entries["new"]; !ok {
		t.Fatal("expected new entry kept")
	}
}

type fakePublisher struct {
	calls int
	err   error
	last  map[string]interface{}
	key   string
}

func (p *fakePublisher) PublishEvent(_ context.Context, eventType, source, key string, data map[string]interface{}) error {
	p.calls++
	p.last, p.key = data, key
	return p.err
}

func TestKafkaDispatcherRoundTrip(t *testing.T) {
	pub := &fakePublisher{}
	d := NewKafkaDispatcher(pub, nil)
	job := pipeline.Job{DatasetID: "ds1", Input: models.RawInput{Filename: "a.csv", Data: []byte("a,b\n1,2\n")}}
	if err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if pub.key != "ds1" || pub.last["data"] != base64.StdEncoding.EncodeToString(job.Input.Data) {
		t.Fatalf("unexpected publish %q %v", pub.key, pub.last)
	}
	back, err := JobFromEvent(models.Event{Type: EventDatasetSubmitted, Data: pub.last})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.DatasetID != "ds1" || string(back.Input.Data) != "a,b\n1,2\n" || back.Salt != "" {
		t.Fatalf("unexpected job %+v", back)
	}
}

func TestKafkaDispatcherDeadLetters(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	dlq := &fakePublisher{}
	d := NewKafkaDispatcher(pub, dlq)
	if err := d.Dispatch(context.Background(), pipeline.Job{DatasetID: "ds1"}); err == nil {
		t.Fatal("expected error")
	}
	if dlq.calls != 1 || dlq.key != "ds1" {
		t.Fatalf("expected one dead-lettered job, got %d", dlq.calls)
	}
}

func TestJobFromEventRejectsOtherTypes(t *testing.T) {
	if _, err := JobFromEvent(models.Event{Type: "other"}); err == nil {
		t.Fatal("expected error")
	}
}
