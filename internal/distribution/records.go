package distribution

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
)

// DeliveryState tracks one dispatch of one alert to one channel.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// DeliveryRecord is the outcome of dispatching an alert to a channel.
type DeliveryRecord struct {
	ID          string            `json:"id"`
	AlertID     string            `json:"alert_id"`
	Fingerprint string            `json:"fingerprint"`
	Channel     string            `json:"channel"`
	Severity    alerting.Severity `json:"severity"`
	Escalation  bool              `json:"escalation"`
	State       DeliveryState     `json:"state"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`
	QueuedAt    time.Time         `json:"queued_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// maxRecordsPerAlert bounds the history kept for one fingerprint.
const maxRecordsPerAlert = 64

// recordStore keeps recent delivery records grouped by fingerprint. The
// least recently dispatched fingerprints fall out first.
type recordStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, []DeliveryRecord]
}

func newRecordStore(size int) (*recordStore, error) {
	cache, err := lru.New[string, []DeliveryRecord](size)
	if err != nil {
		return nil, err
	}
	return &recordStore{cache: cache}, nil
}

func (s *recordStore) add(rec DeliveryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, _ := s.cache.Get(rec.Fingerprint)
	recs = append(recs, rec)
	if len(recs) > maxRecordsPerAlert {
		recs = recs[len(recs)-maxRecordsPerAlert:]
	}
	s.cache.Add(rec.Fingerprint, recs)
}

// update applies fn to the stored record and returns the result. Records
// already evicted from the cache are updated on a detached copy.
func (s *recordStore) update(rec DeliveryRecord, fn func(*DeliveryRecord)) DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, _ := s.cache.Peek(rec.Fingerprint)
	for i := range recs {
		if recs[i].ID == rec.ID {
			fn(&recs[i])
			return recs[i]
		}
	}
	fn(&rec)
	return rec
}

func (s *recordStore) byFingerprint(fp string) []DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, ok := s.cache.Peek(fp)
	if !ok {
		return nil
	}
	return append([]DeliveryRecord(nil), recs...)
}
