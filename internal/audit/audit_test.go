package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/storage/mysql"
)

type memorySink struct {
	records []Record
	err     error
}

func (m *memorySink) Append(_ context.Context, record Record) error {
	m.records = append(m.records, record)
	return m.err
}

func TestCSVSinkWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.csv")
	sink, err := NewCSVSink(path)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := sink.Append(context.Background(), Record{Timestamp: ts, Kind: KindClaim, Hash: "0x01"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// reopening an existing file must not write a second header
	again, err := NewCSVSink(path)
	if err != nil {
		t.Fatalf("reopen sink: %v", err)
	}
	if err := again.Append(context.Background(), Record{Timestamp: ts, Kind: KindSwap, Hash: "0x02"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and two rows, got %v", rows)
	}
	if rows[0][0] != "timestamp" || rows[0][1] != "event_type" || rows[0][2] != "tx_hash" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][0] != "2024-03-01T12:00:00Z" || rows[1][1] != "CLAIM" || rows[2][2] != "0x02" {
		t.Fatalf("unexpected rows %v", rows[1:])
	}
}

func TestCSVSinkTerminatesUnfinishedLastRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	legacy := "timestamp,event_type,tx_hash\n2023-01-01T00:00:00.000Z,CLAIM,0xaa"
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	sink, err := NewCSVSink(path)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := sink.Append(context.Background(), Record{Timestamp: ts, Kind: KindSwap, Hash: "0xbb"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and two rows, got %v", rows)
	}
	if rows[1][2] != "0xaa" || rows[2][1] != "SWAP" || rows[2][2] != "0xbb" {
		t.Fatalf("unexpected rows %v", rows[1:])
	}
}

func TestFanoutAppendsToAllSinks(t *testing.T) {
	failing := &memorySink{err: errors.New("disk full")}
	ok := &memorySink{}
	fan := Fanout{failing, nil, ok}

	err := fan.Append(context.Background(), Record{Kind: KindDeposit, Hash: "0x03"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(failing.records) != 1 || len(ok.records) != 1 {
		t.Fatalf("every sink should receive the record: %d %d", len(failing.records), len(ok.records))
	}
}

func TestRunIDContext(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-7")
	if RunIDFrom(ctx) != "run-7" {
		t.Fatalf("unexpected run id %q", RunIDFrom(ctx))
	}
	if RunIDFrom(context.Background()) != "" {
		t.Fatal("expected empty run id")
	}
}

type fakeStore struct {
	inserted []mysql.TransactionRecord
	rows     []mysql.TransactionRecord
	err      error
}

func (f *fakeStore) Insert(_ context.Context, record *mysql.TransactionRecord) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, *record)
	return nil
}

func (f *fakeStore) ListLatest(_ context.Context, limit int) ([]mysql.TransactionRecord, error) {
	return f.rows, f.err
}

func TestMySQLSinkMapsRecords(t *testing.T) {
	store := &fakeStore{rows: []mysql.TransactionRecord{{RunID: "r", Kind: "SWAP", Hash: "0x5", ConfirmedAt: 100}}}
	sink := NewMySQLSink(store)

	ts := time.Unix(1_700_000_000, 0)
	if err := sink.Append(context.Background(), Record{Timestamp: ts, Kind: KindApproval, Hash: "0x4", RunID: "r"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(store.inserted) != 1 || store.inserted[0].Kind != "ERC20_APPROVAL" || store.inserted[0].ConfirmedAt != ts.Unix() {
		t.Fatalf("unexpected insert %+v", store.inserted)
	}

	latest, err := sink.Latest(context.Background(), 10)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 1 || latest[0].Kind != KindSwap || latest[0].Timestamp.Unix() != 100 {
		t.Fatalf("unexpected latest %+v", latest)
	}

	store.err = errors.New("gone")
	if err := sink.Append(context.Background(), Record{Hash: "0x6"}); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}
}

type fakeChannel struct {
	key string
	msg amqp.Publishing
	err error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.key = key
	f.msg = msg
	return f.err
}

func TestRabbitMQSinkPublishesJSON(t *testing.T) {
	ch := &fakeChannel{}
	sink := &RabbitMQSink{ch: ch, queue: "audit"}

	record := Record{Timestamp: time.Unix(10, 0).UTC(), Kind: KindDeposit, Hash: "0x9", RunID: "run"}
	if err := sink.Append(context.Background(), record); err != nil {
		t.Fatalf("append: %v", err)
	}
	if ch.key != "audit" || ch.msg.ContentType != "application/json" || ch.msg.MessageId != "0x9" {
		t.Fatalf("unexpected publish %q %+v", ch.key, ch.msg)
	}
	var decoded Record
	if err := json.Unmarshal(ch.msg.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Kind != KindDeposit || decoded.RunID != "run" {
		t.Fatalf("unexpected body %+v", decoded)
	}

	ch.err = errors.New("channel closed")
	if err := sink.Append(context.Background(), record); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected QUEUE_FAILURE, got %v", err)
	}
}

func TestSelectHonoursToggle(t *testing.T) {
	one := &memorySink{}
	two := &memorySink{}
	if Select(false, one, two) != nil {
		t.Fatal("disabled audit must not produce a sink")
	}
	if Select(true) != nil {
		t.Fatal("no sinks should produce nil")
	}
	if Select(true, nil, one) != Sink(one) {
		t.Fatal("single sink should be returned as is")
	}
	if fan, ok := Select(true, one, two).(Fanout); !ok || len(fan) != 2 {
		t.Fatalf("expected fanout of two sinks")
	}
}
