package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient("test-token", testLogger())
	client.SetAPIURL(srv.URL)
	return client
}

func TestGetMe(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/getMe" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Ivy","username":"ivy_bot"}}`))
	})

	user, err := client.GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe: %v", err)
	}
	if user.ID != 42 || user.Username != "ivy_bot" {
		t.Errorf("user = %+v", user)
	}
}

func TestGetUpdatesSendsOffset(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		if params["offset"].(float64) != 17 {
			t.Errorf("offset = %v", params["offset"])
		}
		w.Write([]byte(`{"ok":true,"result":[{"update_id":17,"message":{"message_id":1,"from":{"id":5},"chat":{"id":5},"text":"hi"}}]}`))
	})

	updates, err := client.GetUpdates(context.Background(), 17)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(updates) != 1 || updates[0].Message.Text != "hi" {
		t.Errorf("updates = %+v", updates)
	}
}

func TestSendMessageChunksLongText(t *testing.T) {
	var sent []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var params map[string]any
		json.NewDecoder(r.Body).Decode(&params)
		sent = append(sent, params["text"].(string))
		w.Write([]byte(`{"ok":true,"result":{}}`))
	})

	long := strings.Repeat("a", maxMessageLen) + "tail"
	if err := client.SendMessage(context.Background(), 5, long); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if len(sent[0]) != maxMessageLen || sent[1] != "tail" {
		t.Errorf("chunks = %d and %q", len(sent[0]), sent[1])
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	})

	if _, err := client.GetMe(context.Background()); err == nil {
		t.Fatal("expected error")
	} else if !strings.Contains(err.Error(), "Unauthorized") {
		t.Errorf("error = %v", err)
	}
}

func TestChunkMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"exact", "abcde", 5, []string{"abcde"}},
		{"split at newline", "aaa\nbbbb", 6, []string{"aaa", "bbbb"}},
		{"hard split", "abcdefgh", 4, []string{"abcd", "efgh"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkMessage(tt.text, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("chunks = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
