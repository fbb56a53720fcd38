package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"riskgate/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// Mock implementations of driver.Conn and driver.Batch for unit testing
// without a real ClickHouse connection.

type mockConn struct {
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

func (m *mockConn) Contributors() []string                                           { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                    { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error        { return nil }
func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) { return nil, nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row        { return nil }
func (m *mockConn) Exec(_ context.Context, _ string, _ ...any) error                 { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error  { return nil }
func (m *mockConn) Ping(_ context.Context) error                                     { return nil }
func (m *mockConn) Stats() driver.Stats                                              { return driver.Stats{} }
func (m *mockConn) Close() error                                                     { return nil }

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu          sync.Mutex
	appendCount int
	sendFunc    func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(_ ...any) error {
	m.mu.Lock()
	m.appendCount++
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return m.appendCount }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

func newTestDecision() *schema.Decision {
	return &schema.Decision{
		DecisionID:  uuid.New(),
		EventID:     uuid.New(),
		PrincipalID: "acct-1",
		Score:       40,
		Action:      schema.ActionStepUp,
		Reasons:     []string{"HIGH_AMOUNT"},
		Flags:       map[string]bool{"high_amount": true},
		TrustBefore: 0.5,
		TrustAfter:  0.38,
		Suspicious:  true,
		EvaluatedAt: time.Now().UTC(),
	}
}

func newMockClient(conn driver.Conn) *ClickHouseClient {
	return &ClickHouseClient{
		conn:   conn,
		config: DefaultClickHouseConfig(),
	}
}

func TestBatchWriterWriteBuffers(t *testing.T) {
	cfg := BatchWriterConfig{
		BatchSize:     100, // large enough so writes do not trigger a flush
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
	bw := NewBatchWriter(newMockClient(&mockConn{}), cfg)
	defer bw.Close()

	for i := 0; i < 5; i++ {
		if err := bw.Write(newTestDecision()); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if bw.Metrics().Pending != 5 {
		t.Errorf("pending = %d, want 5", bw.Metrics().Pending)
	}
	if bw.Metrics().Written != 0 {
		t.Errorf("written = %d, want 0 before flush", bw.Metrics().Written)
	}
}

func TestBatchWriterFlushOnBatchSize(t *testing.T) {
	cfg := BatchWriterConfig{
		BatchSize:     3,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
	bw := NewBatchWriter(newMockClient(&mockConn{}), cfg)
	defer bw.Close()

	for i := 0; i < 3; i++ {
		if err := bw.Write(newTestDecision()); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	m := bw.Metrics()
	if m.Written != 3 {
		t.Errorf("written = %d, want 3", m.Written)
	}
	if m.Batches != 1 {
		t.Errorf("batches = %d, want 1", m.Batches)
	}
	if m.Pending != 0 {
		t.Errorf("pending = %d, want 0", m.Pending)
	}
}

func TestBatchWriterWriteWhenClosed(t *testing.T) {
	bw := NewBatchWriter(newMockClient(&mockConn{}), DefaultBatchWriterConfig())
	if err := bw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := bw.Write(newTestDecision()); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("err = %v, want ErrWriterClosed", err)
	}
}

func TestBatchWriterCloseFlushesBuffer(t *testing.T) {
	cfg := BatchWriterConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
	bw := NewBatchWriter(newMockClient(&mockConn{}), cfg)

	for i := 0; i < 4; i++ {
		if err := bw.Write(newTestDecision()); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if bw.Metrics().Written != 4 {
		t.Errorf("written = %d, want 4 after close", bw.Metrics().Written)
	}
}

func TestBatchWriterSendFailureUpdatesMetrics(t *testing.T) {
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error { return errors.New("send failed") }}, nil
		},
	}
	cfg := BatchWriterConfig{
		BatchSize:     1,
		FlushInterval: time.Hour,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
	}
	bw := NewBatchWriter(newMockClient(conn), cfg)
	defer bw.Close()

	err := bw.Write(newTestDecision())
	if err == nil {
		t.Fatal("expected flush error")
	}
	var se *StorageError
	if !errors.As(err, &se) {
		t.Errorf("err %T, want *StorageError", err)
	}
	if !errors.Is(err, ErrBatchInsertFailed) {
		t.Errorf("err = %v, want ErrBatchInsertFailed", err)
	}
	if bw.Metrics().Failed != 1 {
		t.Errorf("failed = %d, want 1", bw.Metrics().Failed)
	}
}

func TestBatchWriterConcurrentWrite(t *testing.T) {
	cfg := BatchWriterConfig{
		BatchSize:     10,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
	bw := NewBatchWriter(newMockClient(&mockConn{}), cfg)

	var wg sync.WaitGroup
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := bw.Write(newTestDecision()); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if err := bw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := bw.Metrics().Written; got != 100 {
		t.Errorf("written = %d, want 100", got)
	}
}
