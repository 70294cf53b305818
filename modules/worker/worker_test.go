package worker

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwatt/meterflow/pkg/meter"
	"github.com/gridwatt/meterflow/pkg/meterstore"
)

const testMeter = "100000001"

func newTestWorker(t *testing.T) (*Worker, *meterstore.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	store, err := meterstore.New(meterstore.Config{
		Host:         mr.Host(),
		Port:         port,
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, kitlog.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := Config{
		Workers:            1,
		BatchSize:          100,
		PopTimeout:         100 * time.Millisecond,
		MaxRetries:         3,
		LockAcquireTimeout: 200 * time.Millisecond,
		LockHoldTimeout:    5 * time.Second,
		Backoff: backoff.Config{
			MinBackoff: 10 * time.Millisecond,
			MaxBackoff: 100 * time.Millisecond,
		},
	}

	return New(cfg, store, kitlog.NewNopLogger()), store, mr
}

func enqueueReading(t *testing.T, store *meterstore.Store, meterID, ts string, value float64) string {
	t.Helper()
	r := meter.RawReading{MeterID: meterID, Timestamp: ts, Reading: value}
	raw, err := r.Encode()
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), raw))
	return raw
}

func historyRecords(t *testing.T, store *meterstore.Store, meterID string) []meter.HistoryRecord {
	t.Helper()
	raws, err := store.HistoryRange(context.Background(), meterID, "-inf", "+inf")
	require.NoError(t, err)
	records := make([]meter.HistoryRecord, 0, len(raws))
	for _, raw := range raws {
		rec, err := meter.DecodeHistoryRecord(raw)
		require.NoError(t, err)
		records = append(records, rec)
	}
	return records
}

func TestProcessBatch_DerivesDeltasInTimestampOrder(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()

	enqueueReading(t, store, testMeter, "2025-02-20T10:00:00", 100.00)
	enqueueReading(t, store, testMeter, "2025-02-20T10:30:00", 102.50)
	enqueueReading(t, store, testMeter, "2025-02-20T11:00:00", 105.00)

	n, err := w.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	records := historyRecords(t, store, testMeter)
	require.Len(t, records, 3)
	assert.Equal(t, 0.0, records[0].Consumption)
	assert.Equal(t, 2.5, records[1].Consumption)
	assert.Equal(t, 2.5, records[2].Consumption)
}

func TestProcessBatch_DuplicatePayloadAppliedOnce(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()

	enqueueReading(t, store, testMeter, "2025-02-20T10:00:00", 100.00)
	raw := enqueueReading(t, store, testMeter, "2025-02-20T10:30:00", 102.50)
	enqueueReading(t, store, testMeter, "2025-02-20T11:00:00", 105.00)

	n, err := w.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// the exact same payload delivered again is ignored
	require.NoError(t, store.Enqueue(ctx, raw))
	n, err = w.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Len(t, historyRecords(t, store, testMeter), 3)
}

func TestProcessBatch_SortsOutOfOrderItemsWithinBatch(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()

	// meter already has a reading of 105 at 11:00
	enqueueReading(t, store, testMeter, "2025-02-20T11:00:00", 105.00)
	n, err := w.processBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// bulk arrives out of order
	enqueueReading(t, store, testMeter, "2025-02-20T12:00:00", 110.00)
	enqueueReading(t, store, testMeter, "2025-02-20T11:30:00", 107.00)

	n, err = w.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records := historyRecords(t, store, testMeter)
	require.Len(t, records, 3)
	// appended in sorted order with deltas against the sorted predecessor
	assert.Equal(t, "2025-02-20T11:30:00Z", records[1].Timestamp)
	assert.Equal(t, 2.0, records[1].Consumption)
	assert.Equal(t, "2025-02-20T12:00:00Z", records[2].Timestamp)
	assert.Equal(t, 3.0, records[2].Consumption)
}

func TestProcessBatch_DropsUnparseablePayloads(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, "{not json"))
	enqueueReading(t, store, testMeter, "2025-02-20T10:00:00", 100.00)

	n, err := w.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, historyRecords(t, store, testMeter), 1)

	// dropped payloads are not retried
	batch, err := store.PopRetryBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestProcessBatch_BusyLockDefersGroup(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()

	lock, err := store.AcquireLock(ctx, meterstore.MeterLockKey(testMeter), time.Second, 30*time.Second)
	require.NoError(t, err)

	enqueueReading(t, store, testMeter, "2025-02-20T10:00:00", 100.00)

	n, err := w.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, historyRecords(t, store, testMeter))

	// the group went back on the queue and applies once the lock frees
	require.NoError(t, lock.Release(ctx))
	n, err = w.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, historyRecords(t, store, testMeter), 1)
}

func TestProcessBatch_FailedApplyQuarantinesWithoutBlockingOthers(t *testing.T) {
	w, store, mr := newTestWorker(t)
	ctx := context.Background()

	// corrupt one meter's counter so its append fails inside the script
	require.NoError(t, mr.Set(meterstore.LastReadingKey(testMeter), "garbage"))

	enqueueReading(t, store, testMeter, "2025-02-20T10:00:00", 100.00)
	enqueueReading(t, store, "100000002", "2025-02-20T10:00:00", 50.00)

	n, err := w.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the healthy meter applied; the failed payload is not lost
	assert.Len(t, historyRecords(t, store, "100000002"), 1)
	assert.Empty(t, historyRecords(t, store, testMeter))

	// once the counter heals, the retry-queue pass applies the reading and
	// the forgotten fingerprint does not dedupe it away
	require.NoError(t, mr.Set(meterstore.LastReadingKey(testMeter), "99"))
	n, err = w.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records := historyRecords(t, store, testMeter)
	require.Len(t, records, 1)
	assert.Equal(t, 1.0, records[0].Consumption)
}

func TestProcessBatch_CrossBatchOutOfOrderStoresNegativeDelta(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()

	enqueueReading(t, store, testMeter, "2025-02-20T12:00:00", 110.00)
	n, err := w.processBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// an earlier timestamp arrives after a later one was already applied
	enqueueReading(t, store, testMeter, "2025-02-20T11:00:00", 107.00)
	n, err = w.processBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// the late arrival is stored with its negative delta, not rejected
	records := historyRecords(t, store, testMeter)
	require.Len(t, records, 2)
	assert.Equal(t, "2025-02-20T11:00:00Z", records[0].Timestamp)
	assert.Equal(t, -3.0, records[0].Consumption)
	assert.Equal(t, 0.0, records[1].Consumption)
}

func TestQuarantine_RetriesThenDeadLetters(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()

	reading := meter.RawReading{MeterID: testMeter, Timestamp: "2025-02-20T10:00:00", Reading: 100}
	raw, err := reading.Encode()
	require.NoError(t, err)
	it := item{raw: raw, fingerprint: meter.Fingerprint(raw), reading: reading}

	// three failures stay on the retry channel
	for i := 0; i < 3; i++ {
		w.quarantine(ctx, it)
	}
	batch, err := store.PopRetryBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 3)

	// the fourth dead-letters and resets the attempt counter
	w.quarantine(ctx, it)
	dead, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{raw}, dead)

	n, err := store.IncrRetryCount(ctx, it.fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessBatch_DrainsRetryQueueWhenIdle(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()

	reading := meter.RawReading{MeterID: testMeter, Timestamp: "2025-02-20T10:00:00", Reading: 100}
	raw, err := reading.Encode()
	require.NoError(t, err)
	require.NoError(t, store.PushRetry(ctx, raw))

	n, err := w.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, historyRecords(t, store, testMeter), 1)
}

func TestWorkerServiceLifecycle(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, services.StartAndAwaitRunning(ctx, w))

	enqueueReading(t, store, testMeter, "2025-02-20T10:00:00", 100.00)
	enqueueReading(t, store, testMeter, "2025-02-20T10:30:00", 102.50)

	require.Eventually(t, func() bool {
		return len(historyRecords(t, store, testMeter)) == 2
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(ctx, w))
}
