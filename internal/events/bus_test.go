package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/trading-core/internal/domain"
)

func testEvent(reason domain.ReasonCode, sev domain.Severity) domain.SystemEvent {
	return domain.SystemEvent{
		Type:     domain.EventFailCrit,
		Source:   domain.SourceBroker,
		Severity: sev,
		Reason:   reason,
		WallTime: time.Now(),
	}
}

func TestPublishNeverBlocksOnFullQueue(t *testing.T) {
	b := New(1, "", zerolog.Nop())

	assert.True(t, b.Publish(testEvent(domain.ReasonDBWriteFail, domain.SeverityWarning)))

	done := make(chan bool, 1)
	go func() {
		done <- b.Publish(testEvent(domain.ReasonDBWriteFail, domain.SeverityWarning))
	}()

	select {
	case ok := <-done:
		assert.False(t, ok, "publish into a full queue must report a drop")
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	assert.Equal(t, uint64(1), b.DropCount())
}

func TestEmergencyCallbackFiresOnlyForMustDeliver(t *testing.T) {
	b := New(1, "", zerolog.Nop())

	var called []domain.ReasonCode
	b.RegisterEmergencyCallback(func(ev domain.SystemEvent) {
		called = append(called, ev.Reason)
	})

	// Fill the queue; the dispatcher is not running so it stays full.
	require.True(t, b.Publish(testEvent(domain.ReasonDBWriteFail, domain.SeverityWarning)))

	// A non-whitelisted drop is silent.
	b.Publish(testEvent(domain.ReasonMDStale, domain.SeverityWarning))
	assert.Empty(t, called)

	// A whitelisted drop fires the callback before Publish returns.
	b.Publish(testEvent(domain.ReasonBrokerDisconnect, domain.SeverityCritical))
	require.Len(t, called, 1)
	assert.Equal(t, domain.ReasonBrokerDisconnect, called[0])
}

func TestDeliveryReachesSubscribersInRegistrationOrder(t *testing.T) {
	b := New(16, "", zerolog.Nop())

	var mu sync.Mutex
	var order []string
	received := make(chan struct{}, 2)

	b.Subscribe(func(ev domain.SystemEvent) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		received <- struct{}{}
	})
	b.Subscribe(func(ev domain.SystemEvent) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		received <- struct{}{}
	})

	b.Start()
	defer b.Stop()

	require.True(t, b.Publish(testEvent(domain.ReasonMDStale, domain.SeverityWarning)))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(16, "", zerolog.Nop())

	received := make(chan struct{}, 1)
	b.Subscribe(func(ev domain.SystemEvent) {
		panic("boom")
	})
	b.Subscribe(func(ev domain.SystemEvent) {
		received <- struct{}{}
	})

	b.Start()
	defer b.Stop()

	b.Publish(testEvent(domain.ReasonMDStale, domain.SeverityWarning))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("second subscriber starved by a panicking one")
	}
}

func TestDroppedEventsLandInFallbackLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.jsonl")
	b := New(1, path, zerolog.Nop())

	require.True(t, b.Publish(testEvent(domain.ReasonDBWriteFail, domain.SeverityWarning)))
	b.Publish(testEvent(domain.ReasonMDStale, domain.SeverityWarning))
	b.fallback.Close()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []domain.SystemEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev domain.SystemEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, domain.ReasonMDStale, lines[0].Reason)
}

func TestStopIsIdempotentAndDrains(t *testing.T) {
	b := New(16, "", zerolog.Nop())

	var mu sync.Mutex
	count := 0
	b.Subscribe(func(ev domain.SystemEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Start()
	for i := 0; i < 5; i++ {
		b.Publish(testEvent(domain.ReasonMDStale, domain.SeverityWarning))
	}
	b.Stop()
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, count, "queued events must be drained on stop")
}
