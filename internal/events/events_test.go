package events

import (
	"errors"
	"testing"
	"time"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventTransferProgress)

	testEvent := &TransferEvent{
		BaseEvent: BaseEvent{
			EventType: EventTransferProgress,
			Time:      time.Now(),
		},
		TaskID:   "task-1",
		Name:     "archive.tar",
		Progress: 0.5,
	}

	bus.Publish(testEvent)

	select {
	case received := <-ch:
		transfer, ok := received.(*TransferEvent)
		if !ok {
			t.Fatal("Expected TransferEvent")
		}
		if transfer.TaskID != "task-1" {
			t.Errorf("Expected task ID 'task-1', got '%s'", transfer.TaskID)
		}
		if transfer.Progress != 0.5 {
			t.Errorf("Expected progress 0.5, got %f", transfer.Progress)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch1 := bus.Subscribe(EventLog)
	ch2 := bus.Subscribe(EventLog)

	testEvent := &LogEvent{
		BaseEvent: BaseEvent{
			EventType: EventLog,
			Time:      time.Now(),
		},
		Level:   InfoLevel,
		Message: "Test log",
	}

	bus.Publish(testEvent)

	received1 := false
	received2 := false

	select {
	case <-ch1:
		received1 = true
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case <-ch2:
		received2 = true
	case <-time.After(100 * time.Millisecond):
	}

	if !received1 || !received2 {
		t.Error("Not all subscribers received the event")
	}
}

func TestEventBus_DifferentEventTypes(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	transferCh := bus.Subscribe(EventTransferProgress)
	logCh := bus.Subscribe(EventLog)

	bus.Publish(&TransferEvent{
		BaseEvent: BaseEvent{EventType: EventTransferProgress, Time: time.Now()},
		TaskID:    "task-1",
	})

	select {
	case <-transferCh:
		// Expected
	case <-time.After(100 * time.Millisecond):
		t.Error("Transfer subscriber didn't receive event")
	}

	select {
	case <-logCh:
		t.Error("Log subscriber received wrong event type")
	case <-time.After(50 * time.Millisecond):
		// Expected - timeout means no event
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	allCh := bus.SubscribeAll()

	bus.Publish(&TransferEvent{
		BaseEvent: BaseEvent{EventType: EventTransferProgress, Time: time.Now()},
	})

	bus.Publish(&LogEvent{
		BaseEvent: BaseEvent{EventType: EventLog, Time: time.Now()},
	})

	count := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allCh:
			count++
		case <-time.After(100 * time.Millisecond):
			break
		}
	}

	if count != 2 {
		t.Errorf("Expected to receive 2 events, got %d", count)
	}
}

func TestEventBus_NonBlocking(t *testing.T) {
	bus := NewEventBus(2) // Small buffer
	defer bus.Close()

	ch := bus.Subscribe(EventTransferProgress)

	for i := 0; i < 10; i++ {
		bus.Publish(&TransferEvent{
			BaseEvent: BaseEvent{EventType: EventTransferProgress, Time: time.Now()},
			TaskID:    "task-1",
		})
	}

	if bus.GetDroppedEventCount() == 0 {
		t.Error("Expected some events to be dropped once the buffer filled")
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		case <-time.After(10 * time.Millisecond):
			goto done
		}
	}
done:

	if count == 0 {
		t.Error("Should have received at least some events")
	}
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus(10)

	ch := bus.Subscribe(EventTransferProgress)

	bus.Close()

	_, ok := <-ch
	if ok {
		t.Error("Channel should be closed after bus.Close()")
	}

	// Publishing after close should not panic.
	bus.Publish(&TransferEvent{
		BaseEvent: BaseEvent{EventType: EventTransferProgress, Time: time.Now()},
	})
}

func TestEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventAccountAdded)
	bus.Unsubscribe(EventAccountAdded, ch)

	bus.Publish(&AccountEvent{
		BaseEvent: BaseEvent{EventType: EventAccountAdded, Time: time.Now()},
		AccountID: "acc-00000001",
	})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("unsubscribed channel should not receive further events")
		}
	case <-time.After(50 * time.Millisecond):
		// Expected: no delivery, channel remains open but empty.
	}
}

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level %d: expected %s, got %s", tt.level, tt.expected, got)
		}
	}
}

func TestPublishLog(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	logCh := bus.Subscribe(EventLog)

	bus.PublishLog(WarnLevel, "disk nearly full", errors.New("sample"))

	select {
	case event := <-logCh:
		log, ok := event.(*LogEvent)
		if !ok {
			t.Fatal("Expected LogEvent")
		}
		if log.Message != "disk nearly full" {
			t.Errorf("Expected 'disk nearly full', got '%s'", log.Message)
		}
		if log.Level != WarnLevel {
			t.Errorf("Expected WarnLevel, got %v", log.Level)
		}
		if log.Error == nil {
			t.Error("Expected wrapped error to be preserved")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Timeout waiting for log event")
	}
}

func TestCrossTransferEventCarriesProgress(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventCrossTransferProgress)

	bus.Publish(&CrossTransferEvent{
		BaseEvent:  BaseEvent{EventType: EventCrossTransferProgress, Time: time.Now()},
		TransferID: "xfr-00000001",
		Percent:    42,
		Done:       420,
		Total:      1000,
	})

	select {
	case event := <-ch:
		xfer, ok := event.(*CrossTransferEvent)
		if !ok {
			t.Fatal("Expected CrossTransferEvent")
		}
		if xfer.Percent != 42 {
			t.Errorf("Expected percent 42, got %d", xfer.Percent)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Timeout waiting for cross-transfer event")
	}
}
