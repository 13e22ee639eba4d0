package eventbus

import (
	"testing"

	"github.com/carterpry/restraint/internal/workflow"
)

func TestPublishAssignsGapFreeMonotonicSeq(t *testing.T) {
	b := New()
	var last uint64
	for i := 0; i < 5; i++ {
		e := b.Publish("wf-1", workflow.EventPhaseStart, nil)
		if e.Seq != last+1 {
			t.Fatalf("seq %d, want %d", e.Seq, last+1)
		}
		last = e.Seq
	}
}

func TestSubscribeReplaysBacklog(t *testing.T) {
	b := New()
	b.Publish("wf-1", workflow.EventWorkflowStarted, nil)
	b.Publish("wf-1", workflow.EventPhaseStart, nil)

	ch := b.Subscribe("wf-1", "sub-a")
	first := <-ch
	second := <-ch
	if first.Kind != workflow.EventWorkflowStarted || second.Kind != workflow.EventPhaseStart {
		t.Fatalf("unexpected replay order: %v, %v", first.Kind, second.Kind)
	}
}

func TestTerminalEventClosesSubscribers(t *testing.T) {
	b := New()
	ch := b.Subscribe("wf-1", "sub-a")
	b.Publish("wf-1", workflow.EventWorkflowCompleted, nil)

	<-ch
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after terminal event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe("wf-1", "sub-a")
	b.Unsubscribe("wf-1", "sub-a")
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if b.SubscriberCount("wf-1") != 0 {
		t.Fatal("expected zero subscribers after unsubscribe")
	}
}

func TestSlowSubscriberGetsLaggedMarkerNotBlockedPublisher(t *testing.T) {
	b := New()
	ch := b.Subscribe("wf-1", "sub-a")

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultSubBuffer+10; i++ {
			b.Publish("wf-1", workflow.EventPhaseStart, nil)
		}
		close(done)
	}()
	<-done // publisher must never block even though nobody is draining ch

	sawLagged := false
	for i := 0; i < defaultSubBuffer; i++ {
		e, ok := <-ch
		if !ok {
			break
		}
		if e.Kind == workflow.EventLagged {
			sawLagged = true
			break
		}
	}
	if !sawLagged {
		t.Fatal("expected a lagged marker for a slow subscriber")
	}
}
