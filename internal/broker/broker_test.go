package broker

import (
	"testing"
	"time"

	"github.com/vibetea/vibetea/internal/envelope"
)

func act(source string, typ envelope.Type, project string) envelope.Envelope {
	return envelope.New(source, typ, envelope.Payload{
		SessionID: "00000000-0000-0000-0000-000000000001",
		Project:   project,
	})
}

func TestUnfilteredSubscriberReceivesEverything(t *testing.T) {
	b := New(10, 10)
	s := b.Subscribe(Filter{})

	env := act("s1", envelope.TypeActivity, "p")
	b.Publish(env)

	select {
	case got := <-s.Mailbox():
		if got.ID != env.ID {
			t.Fatalf("got wrong envelope id %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery, got none")
	}
}

func TestFilterByTypeExcludesOthers(t *testing.T) {
	b := New(10, 10)
	s := b.Subscribe(Filter{Type: envelope.TypeTool})

	b.Publish(act("s1", envelope.TypeActivity, "p"))
	toolEnv := act("s1", envelope.TypeTool, "p")
	b.Publish(toolEnv)

	select {
	case got := <-s.Mailbox():
		if got.Type != envelope.TypeTool || got.ID != toolEnv.ID {
			t.Fatalf("expected only the tool envelope, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected one delivery")
	}

	select {
	case got := <-s.Mailbox():
		t.Fatalf("expected no second delivery, got %+v", got)
	default:
	}
}

func TestFilterConjunctionOverSourceTypeProject(t *testing.T) {
	b := New(10, 10)
	s := b.Subscribe(Filter{Source: "s1", Type: envelope.TypeTool, Project: "p"})

	b.Publish(act("s2", envelope.TypeTool, "p"))       // wrong source
	b.Publish(act("s1", envelope.TypeActivity, "p"))   // wrong type
	b.Publish(act("s1", envelope.TypeTool, "other"))   // wrong project
	match := act("s1", envelope.TypeTool, "p")
	b.Publish(match)

	select {
	case got := <-s.Mailbox():
		if got.ID != match.ID {
			t.Fatalf("expected only the fully matching envelope, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected exactly one delivery")
	}
}

func TestSlowSubscriberDroppedAfterConsecutiveThreshold(t *testing.T) {
	b := New(4, 8)
	s := b.Subscribe(Filter{})

	for i := 0; i < 20; i++ {
		b.Publish(act("s1", envelope.TypeActivity, "p"))
	}

	select {
	case <-s.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be closed for lagging")
	}
	if s.CloseReason() != "slow_consumer" {
		t.Fatalf("CloseReason = %q, want slow_consumer", s.CloseReason())
	}
	if b.SubscriberCount() != 0 {
		t.Fatal("expected subscriber removed from broker after close")
	}

	drained := 0
	for {
		select {
		case <-s.Mailbox():
			drained++
		default:
			goto doneDraining
		}
	}
doneDraining:
	if drained != 4 {
		t.Fatalf("expected mailbox capacity (4) delivered before drops began, got %d", drained)
	}
}

func TestConsecutiveDropsResetOnSuccessfulSend(t *testing.T) {
	b := New(1, 3)
	s := b.Subscribe(Filter{})

	b.Publish(act("s1", envelope.TypeActivity, "p")) // fills mailbox
	b.Publish(act("s1", envelope.TypeActivity, "p")) // drop 1
	b.Publish(act("s1", envelope.TypeActivity, "p")) // drop 2

	<-s.Mailbox() // drain, resets mailbox capacity
	b.Publish(act("s1", envelope.TypeActivity, "p")) // delivered, resets consecutive counter

	b.Publish(act("s1", envelope.TypeActivity, "p")) // drop 1 again (mailbox full)
	b.Publish(act("s1", envelope.TypeActivity, "p")) // drop 2 again

	select {
	case <-s.Closed():
		t.Fatal("subscriber should not be closed: consecutive drops reset by the intervening delivery")
	default:
	}
}

func TestUnsubscribeRemovesAndClosesWithoutReason(t *testing.T) {
	b := New(10, 10)
	s := b.Subscribe(Filter{})
	b.Unsubscribe(s)

	select {
	case <-s.Closed():
	default:
		t.Fatal("expected Closed channel closed after Unsubscribe")
	}
	if s.CloseReason() != "" {
		t.Fatalf("expected empty close reason for voluntary unsubscribe, got %q", s.CloseReason())
	}
	if b.SubscriberCount() != 0 {
		t.Fatal("expected subscriber removed")
	}
}
