package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(TopicNews)
	defer cancel()

	b.Publish(TopicNews, "headline")

	select {
	case msg := <-ch:
		if msg.Topic != TopicNews || msg.Payload.(string) != "headline" {
			t.Errorf("Unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for message")
	}
}

func TestTopicIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	news, cancelNews := b.Subscribe(TopicNews)
	defer cancelNews()
	tasks, cancelTasks := b.Subscribe(TopicTaskUpdates)
	defer cancelTasks()

	b.Publish(TopicTaskUpdates, "update")

	select {
	case <-tasks:
	case <-time.After(time.Second):
		t.Fatal("Task subscriber should receive message")
	}
	select {
	case msg := <-news:
		t.Errorf("News subscriber should not receive task message, got %+v", msg)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(TopicNews)
	cancel()

	if _, open := <-ch; open {
		t.Error("Cancelled subscription channel should be closed")
	}

	// Publishing after cancel should not panic.
	b.Publish(TopicNews, "x")
	// Double cancel is safe.
	cancel()
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	defer b.Close()

	_, cancel := b.Subscribe(TopicNews)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Publish more messages than the subscriber buffer holds while
		// nobody drains the channel.
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(TopicNews, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on slow subscriber")
	}
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := New()
	ch1, _ := b.Subscribe(TopicNews)
	ch2, _ := b.Subscribe(TopicTaskUpdates)

	b.Close()

	if _, open := <-ch1; open {
		t.Error("Subscriber channel should close on bus shutdown")
	}
	if _, open := <-ch2; open {
		t.Error("Subscriber channel should close on bus shutdown")
	}

	// Subscribing after close yields a closed channel.
	ch3, _ := b.Subscribe(TopicNews)
	if _, open := <-ch3; open {
		t.Error("Post-close subscription should be closed")
	}
}
