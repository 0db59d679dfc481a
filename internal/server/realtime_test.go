package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/auth"
	"github.com/MarcoPoloResearchLab/entitysync/internal/entities"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/notify"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestParseKinds(testContext *testing.T) {
	kinds, err := parseKinds("user, channel_full")
	require.NoError(testContext, err)
	require.Equal(testContext, []ids.Kind{ids.KindUser, ids.KindChannelFull}, kinds)

	kinds, err = parseKinds("")
	require.NoError(testContext, err)
	require.Nil(testContext, kinds)

	_, err = parseKinds("user,dialog")
	require.ErrorIs(testContext, err, ids.ErrUnknownKind)
}

type streamFrame struct {
	id    string
	event string
	data  string
}

// readFrame collects lines until the blank line that terminates one server-sent event.
func readFrame(reader *bufio.Reader) (streamFrame, error) {
	var frame streamFrame
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return frame, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if frame.event != "" {
				return frame, nil
			}
		case strings.HasPrefix(line, "id:"):
			frame.id = strings.TrimPrefix(line, "id:")
		case strings.HasPrefix(line, "event:"):
			frame.event = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			frame.data = strings.TrimPrefix(line, "data:")
		}
	}
}

func TestEventStreamRelaysEngineEvents(t *testing.T) {
	testServer := newTestServer(t)
	eventID := uuid.New()
	testServer.engine.events <- notify.Event{
		ID:       eventID,
		Kind:     ids.KindChannel,
		EntityID: 5,
		Changes:  entities.ChangeTitle,
		At:       time.Unix(1700000000, 0).UTC(),
	}

	server := httptest.NewServer(testServer.handler)
	token := testServer.mustToken(t, auth.ScopeRead)
	response, err := http.Get(server.URL + "/api/events?kinds=channel,channel_full&access_token=" + token)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	type readResult struct {
		frame streamFrame
		err   error
	}
	frames := make(chan readResult, 4)
	go func() {
		reader := bufio.NewReader(response.Body)
		for {
			frame, err := readFrame(reader)
			frames <- readResult{frame: frame, err: err}
			if err != nil {
				return
			}
		}
	}()

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !seen[RealtimeEventEntityChanged] || !seen[realtimeEventHeartbeat] {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for stream events, saw %v", seen)
		case result := <-frames:
			if result.err != nil {
				t.Fatalf("failed to read stream: %v", result.err)
			}
			seen[result.frame.event] = true
			if result.frame.event != RealtimeEventEntityChanged {
				continue
			}
			if result.frame.id != eventID.String() {
				t.Fatalf("unexpected event id %q", result.frame.id)
			}
			var message struct {
				Source string `json:"source"`
				Event  struct {
					Kind     string `json:"kind"`
					EntityID int64  `json:"entity_id"`
				} `json:"event"`
			}
			if err := json.Unmarshal([]byte(result.frame.data), &message); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if message.Source != realtimeSourceBackend || message.Event.Kind != "channel" || message.Event.EntityID != 5 {
				t.Fatalf("unexpected event payload: %#v", message)
			}
		}
	}

	_ = response.Body.Close()
	server.Close()
	require.Equal(t, [][]ids.Kind{{ids.KindChannel, ids.KindChannelFull}}, testServer.engine.subscribed)
}

func TestEventStreamRejectsUnknownKind(testContext *testing.T) {
	server := newTestServer(testContext)
	recorder := server.do(http.MethodGet, "/api/events?kinds=dialog", server.mustToken(testContext, auth.ScopeRead), "")
	require.Equal(testContext, http.StatusBadRequest, recorder.Code)
	require.Empty(testContext, server.engine.subscribed)
}
