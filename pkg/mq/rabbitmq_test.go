package mq

import "testing"

func TestDecodeStageEvent(t *testing.T) {
	ev, err := DecodeStageEvent([]byte(`{"run_id":"r1","stage":"solutions"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.RunID != "r1" || ev.Stage != "solutions" {
		t.Fatalf("unexpected event %+v", ev)
	}

	for _, body := range []string{`{"run_id":"r1"}`, `not json`} {
		if _, err := DecodeStageEvent([]byte(body)); err == nil {
			t.Errorf("expected error for %s", body)
		}
	}
}

func TestQueueName(t *testing.T) {
	if got := QueueName("campaigns"); got != "pipeline.queue.campaigns" {
		t.Fatalf("got %s", got)
	}
}
