package cluster

import (
	"context"
	"testing"
	"time"
)

func TestLocalBus_Membership(t *testing.T) {
	b := NewLocalBus()

	live, err := b.IsLiveAnywhere(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("IsLiveAnywhere: %v", err)
	}
	if live {
		t.Error("tenant should not be live before Join")
	}

	if err := b.Join(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	live, _ = b.IsLiveAnywhere(context.Background(), "tenant-a")
	if !live {
		t.Error("tenant should be live after Join")
	}

	if err := b.Leave(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	live, _ = b.IsLiveAnywhere(context.Background(), "tenant-a")
	if live {
		t.Error("tenant should not be live after Leave")
	}
}

func TestLocalBus_MembershipDoubleJoin(t *testing.T) {
	// A reconnect can briefly double-count a tenant; one Leave must not
	// clear the second fact.
	b := NewLocalBus()

	_ = b.Join(context.Background(), "tenant-a")
	_ = b.Join(context.Background(), "tenant-a")
	_ = b.Leave(context.Background(), "tenant-a")

	live, _ := b.IsLiveAnywhere(context.Background(), "tenant-a")
	if !live {
		t.Error("tenant should stay live while one fact remains")
	}

	_ = b.Leave(context.Background(), "tenant-a")
	live, _ = b.IsLiveAnywhere(context.Background(), "tenant-a")
	if live {
		t.Error("tenant should not be live after final Leave")
	}
}

func TestLocalBus_BroadcastReachesSubscriber(t *testing.T) {
	b := NewLocalBus()

	got := make(chan []byte, 1)
	cancel, err := b.SubscribeCalls(context.Background(), "tenant-a", func(_ string, payload []byte) {
		got <- payload
	})
	if err != nil {
		t.Fatalf("SubscribeCalls: %v", err)
	}
	defer cancel()

	if err := b.BroadcastCall(context.Background(), "tenant-a", []byte("call-1")); err != nil {
		t.Fatalf("BroadcastCall: %v", err)
	}

	select {
	case payload := <-got:
		if string(payload) != "call-1" {
			t.Errorf("payload = %q, want call-1", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestLocalBus_BroadcastAfterCancelNotDelivered(t *testing.T) {
	b := NewLocalBus()

	got := make(chan []byte, 1)
	cancel, err := b.SubscribeCalls(context.Background(), "tenant-a", func(_ string, payload []byte) {
		got <- payload
	})
	if err != nil {
		t.Fatalf("SubscribeCalls: %v", err)
	}
	cancel()

	_ = b.BroadcastCall(context.Background(), "tenant-a", []byte("call-1"))

	select {
	case <-got:
		t.Error("canceled subscriber should not receive broadcasts")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBus_ReplyRoundTrip(t *testing.T) {
	b := NewLocalBus()

	ch, cancel, err := b.SubscribeReplies(context.Background(), "corr-001")
	if err != nil {
		t.Fatalf("SubscribeReplies: %v", err)
	}
	defer cancel()

	if err := b.PublishReply(context.Background(), "corr-001", []byte("reply-1")); err != nil {
		t.Fatalf("PublishReply: %v", err)
	}

	select {
	case payload := <-ch:
		if string(payload) != "reply-1" {
			t.Errorf("payload = %q, want reply-1", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestLocalBus_DuplicateRepliesDoNotBlock(t *testing.T) {
	b := NewLocalBus()

	ch, cancel, err := b.SubscribeReplies(context.Background(), "corr-001")
	if err != nil {
		t.Fatalf("SubscribeReplies: %v", err)
	}
	defer cancel()

	// More duplicates than the subscriber buffer holds; publishing must
	// never block.
	for i := 0; i < 10; i++ {
		if err := b.PublishReply(context.Background(), "corr-001", []byte("dup")); err != nil {
			t.Fatalf("PublishReply: %v", err)
		}
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected at least one reply")
	}
}

func TestLocalBus_ReplyToUnknownCorrelationIsDropped(t *testing.T) {
	b := NewLocalBus()
	if err := b.PublishReply(context.Background(), "corr-none", []byte("late")); err != nil {
		t.Errorf("late replies should be dropped silently, got %v", err)
	}
}
