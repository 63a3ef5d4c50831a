package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"AgentNexus-Chain/internal/deployment"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	flushes  int
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) FlushTimeout(time.Duration) error {
	f.flushes++
	return nil
}

func (f *fakeConn) Drain() error { return nil }

func TestNATSPublisherSubjects(t *testing.T) {
	conn := &fakeConn{}
	pub := newNATSPublisher(conn, NATSConfig{FlushTimeout: time.Second})

	if err := pub.Publish(context.Background(), Event{Type: TypeDeploymentBatch, AgentID: 42, Status: "partial"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if conn.subjects[0] != "agentnexus.deployment.batch.42" {
		t.Fatalf("unexpected subject %s", conn.subjects[0])
	}
	var decoded Event
	if err := json.Unmarshal(conn.payloads[0], &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Status != "partial" || decoded.OccurredAt.IsZero() {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if conn.flushes != 1 {
		t.Fatalf("expected a flush, got %d", conn.flushes)
	}
}

func TestDeploymentNotifierPublishesStatusChanges(t *testing.T) {
	conn := &fakeConn{}
	tracker := deployment.NewTracker(deployment.NewMemoryStore(),
		deployment.WithNotifier(NewDeploymentNotifier(newNATSPublisher(conn, NATSConfig{SubjectPrefix: "test"}))))

	ctx := context.Background()
	if _, err := tracker.RecordAttempt(ctx, 3, 84532); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if _, err := tracker.UpdateStatus(ctx, 3, 84532, deployment.StatusCompleted, deployment.WithTxHash("0x9")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(conn.payloads) != 2 {
		t.Fatalf("expected 2 events, got %d", len(conn.payloads))
	}
	var last Event
	if err := json.Unmarshal(conn.payloads[1], &last); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conn.subjects[1] != "test.deployment.status.3" || last.Status != "completed" || last.TxHash != "0x9" || last.ChainID != 84532 {
		t.Fatalf("unexpected event %s %+v", conn.subjects[1], last)
	}
}

func TestDeploymentNotifierIgnoresPublishFailure(t *testing.T) {
	conn := &fakeConn{err: errors.New("disconnected")}
	tracker := deployment.NewTracker(deployment.NewMemoryStore(),
		deployment.WithNotifier(NewDeploymentNotifier(newNATSPublisher(conn, NATSConfig{}))))
	if _, err := tracker.RecordAttempt(context.Background(), 1, 84532); err != nil {
		t.Fatalf("publish failure must not fail the tracker: %v", err)
	}
}
