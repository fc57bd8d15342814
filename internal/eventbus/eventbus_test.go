package eventbus

import "testing"

func TestPublishDeliversToMatchingMask(t *testing.T) {
	b := New()
	sub := b.Subscribe(Connected | Closed)
	other := b.Subscribe(Updated)

	b.Publish(Connected, "hello")

	select {
	case e := <-sub.Events():
		if e.Type != Connected || e.Data != "hello" {
			t.Fatalf("unexpected event: %+v", e)
		}
	default:
		t.Fatal("expected event on matching subscription")
	}

	select {
	case e := <-other.Events():
		t.Fatalf("unexpected event on non-matching subscription: %+v", e)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(AllEvents)
	b.Unsubscribe(sub)

	_, ok := <-sub.Events()
	if ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}

func TestFullBufferDropsRatherThanBlocks(t *testing.T) {
	b := New()
	sub := b.Subscribe(Updated)
	for i := 0; i < BufferSize+10; i++ {
		b.Publish(Updated, i)
	}
	// Publish must not have blocked to get here.
	if len(sub.Events()) != BufferSize {
		t.Fatalf("expected full buffer of %d, got %d", BufferSize, len(sub.Events()))
	}
}
