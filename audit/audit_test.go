package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type chanSink struct {
	recs chan Record
	err  error
}

func (s *chanSink) Append(_ context.Context, rec Record) error {
	s.recs <- rec
	return s.err
}

func TestBestEffortDeliversInBackground(t *testing.T) {
	sink := &chanSink{recs: make(chan Record, 1)}
	rec := Record{ClientID: "c1", Topic: "room:twitch/demo", Command: "ban_user", TargetUser: "spammer", At: time.Now()}

	BestEffort(sink, rec)

	select {
	case got := <-sink.recs:
		if got.Command != "ban_user" || got.TargetUser != "spammer" {
			t.Fatalf("unexpected record: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("record never reached sink")
	}
}

func TestBestEffortNilSinkIsNoop(t *testing.T) {
	BestEffort(nil, Record{Command: "ban_user"})
}

func TestBestEffortSwallowsSinkError(t *testing.T) {
	sink := &chanSink{recs: make(chan Record, 1), err: errors.New("db down")}
	BestEffort(sink, Record{Command: "timeout_user"})
	select {
	case <-sink.recs:
	case <-time.After(2 * time.Second):
		t.Fatalf("record never reached sink")
	}
}

func TestLogSinkAppend(t *testing.T) {
	if err := (LogSink{}).Append(context.Background(), Record{Command: "delete_message"}); err != nil {
		t.Fatalf("LogSink.Append returned %v", err)
	}
}
