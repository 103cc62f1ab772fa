package synchub

import "testing"

type fakeSub struct {
	received [][]byte
	full     bool
}

func (f *fakeSub) Enqueue(frame []byte) bool {
	if f.full {
		return false
	}
	f.received = append(f.received, frame)
	return true
}

func TestSubscribeReturnsCurrentServerSeq(t *testing.T) {
	h := New()
	seq := h.Subscribe("doc-1", "sess-1", &fakeSub{})
	if seq != 0 {
		t.Fatalf("initial server_seq = %d, want 0", seq)
	}
}

func TestPublishAssignsIncreasingServerSeqAndSkipsSender(t *testing.T) {
	h := New()
	sender := &fakeSub{}
	other := &fakeSub{}
	h.Subscribe("doc-1", "sender", sender)
	h.Subscribe("doc-1", "other", other)

	seq1 := h.Publish("doc-1", "sender", []byte("u1"))
	seq2 := h.Publish("doc-1", "sender", []byte("u2"))

	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("server_seq = %d, %d, want 1, 2", seq1, seq2)
	}
	if len(sender.received) != 0 {
		t.Fatalf("sender should not receive its own publish, got %v", sender.received)
	}
	if len(other.received) != 2 || string(other.received[0]) != "u1" || string(other.received[1]) != "u2" {
		t.Fatalf("other.received = %v, want [u1 u2] in order", other.received)
	}
}

func TestPublishAwarenessDoesNotConsumeServerSeq(t *testing.T) {
	h := New()
	sender := &fakeSub{}
	other := &fakeSub{}
	h.Subscribe("doc-1", "sender", sender)
	h.Subscribe("doc-1", "other", other)

	h.PublishAwareness("doc-1", "sender", []byte("awareness"))
	if h.CurrentServerSeq("doc-1") != 0 {
		t.Fatalf("awareness publish should not advance server_seq")
	}
	if len(other.received) != 1 || string(other.received[0]) != "awareness" {
		t.Fatalf("other.received = %v", other.received)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New()
	sender := &fakeSub{}
	other := &fakeSub{}
	h.Subscribe("doc-1", "sender", sender)
	h.Subscribe("doc-1", "other", other)
	h.Unsubscribe("doc-1", "other")

	h.Publish("doc-1", "sender", []byte("u1"))
	if len(other.received) != 0 {
		t.Fatalf("unsubscribed session should not receive updates, got %v", other.received)
	}
}

func TestBroadcastOrderingAcrossMultipleSubscribers(t *testing.T) {
	h := New()
	sender := &fakeSub{}
	sub1 := &fakeSub{}
	sub2 := &fakeSub{}
	h.Subscribe("doc-1", "sender", sender)
	h.Subscribe("doc-1", "sub1", sub1)
	h.Subscribe("doc-1", "sub2", sub2)

	h.Publish("doc-1", "sender", []byte("u1"))
	h.Publish("doc-1", "sender", []byte("u2"))
	h.Publish("doc-1", "sender", []byte("u3"))

	want := []string{"u1", "u2", "u3"}
	for i, got := range [][][]byte{sub1.received, sub2.received} {
		if len(got) != 3 {
			t.Fatalf("subscriber %d received %d frames, want 3", i, len(got))
		}
		for j, frame := range got {
			if string(frame) != want[j] {
				t.Fatalf("subscriber %d frame %d = %q, want %q", i, j, frame, want[j])
			}
		}
	}
}
