package supervisor

import "testing"

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcast()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Publish(Line{Category: System, Text: "hello"})

	for _, sub := range []*Subscription{a, c} {
		select {
		case l := <-sub.Lines:
			if l.Text != "hello" {
				t.Errorf("got %q, want hello", l.Text)
			}
		default:
			t.Error("expected line to be delivered")
		}
	}
}

func TestBroadcastOnlyDeliversLinesAfterSubscribe(t *testing.T) {
	b := NewBroadcast()
	b.Publish(Line{Category: System, Text: "before"})
	sub := b.Subscribe()
	b.Publish(Line{Category: System, Text: "after"})

	l := <-sub.Lines
	if l.Text != "after" {
		t.Errorf("got %q, want after", l.Text)
	}
}

func TestBroadcastLaggedSubscriberIsDroppedNotBlocking(t *testing.T) {
	b := NewBroadcast()
	sub := b.Subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(Line{Category: System, Text: "x"})
	}

	select {
	case <-sub.Lagged:
	default:
		t.Error("expected Lagged to fire once buffer overran")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcast()
	sub := b.Subscribe()
	sub.Unsubscribe()

	b.Publish(Line{Category: System, Text: "x"})

	if len(b.subs) != 0 {
		t.Errorf("expected subscriber map empty after Unsubscribe, got %d", len(b.subs))
	}
}
