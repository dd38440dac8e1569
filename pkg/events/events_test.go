package events

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBus(0)
	ch, done := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(Event{Type: TypeCheckpoint, RunID: "r1", Node: "router"})
	select {
	case e := <-ch:
		assert.Equal(t, "router", e.Node)
		assert.NotEmpty(t, e.TS)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	b.Unsubscribe(done)
	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)
}

func TestRecentIsBounded(t *testing.T) {
	b := NewBus(3)
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		b.Publish(Event{Type: TypeStatus, Message: n})
	}
	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].Message)
	assert.Equal(t, "e", recent[2].Message)

	last := b.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "e", last[0].Message)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(0)
	_, done := b.Subscribe()
	defer b.Unsubscribe(done)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(Event{Type: TypeStatus})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestMarshalDropsUnencodableData(t *testing.T) {
	out := Event{Type: TypeChat, Data: func() {}}.Marshal()
	assert.Equal(t, "chat", gjson.GetBytes(out, "type").String())
	assert.False(t, gjson.GetBytes(out, "data").Exists())
}

func TestServeHTTPStreams(t *testing.T) {
	b := NewBus(0)
	b.Publish(Event{Type: TypeStatus, Message: "ready"})
	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?replay=10", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") {
				lines <- strings.TrimPrefix(sc.Text(), "data: ")
			}
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l := <-lines:
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("no event received")
			return ""
		}
	}
	assert.Equal(t, "ready", gjson.Get(next(), "message").String())

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	b.Publish(Event{Type: TypeCheckpoint, RunID: "r1", Node: "end"})
	got := next()
	assert.Equal(t, "checkpoint", gjson.Get(got, "type").String())
	assert.Equal(t, "end", gjson.Get(got, "node").String())
}

func TestServeHTTPRejectsPost(t *testing.T) {
	rec := httptest.NewRecorder()
	NewBus(0).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/events", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
