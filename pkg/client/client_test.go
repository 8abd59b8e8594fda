package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/vyvo/compute/reviewci/pkg/builder"
)

func TestReadEvents(t *testing.T) {
	stream := "data: building abc\n\ndata: Approving abc\n\ndata: [stream closed]\n\n"
	var got []string
	if err := ReadEvents(strings.NewReader(stream), func(line string) error {
		got = append(got, line)
		return nil
	}); err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if want := []string{"building abc", "Approving abc"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("want %v got %v", want, got)
	}
}

func TestReadEventsStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	err := ReadEvents(strings.NewReader("data: a\n\ndata: b\n\n"), func(string) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestClientRoundTrip(t *testing.T) {
	var gotAuth string
	var completed builder.CompleteRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs/core/poll", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"queued":{"id":"q1","job":"core","revision":"abc"}}`)
	})
	mux.HandleFunc("/api/jobs/core/builds/claim", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("wait") != "1s" {
			t.Errorf("unexpected wait %q", r.URL.Query().Get("wait"))
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"build":{"id":"b1","job":"core","number":4,"revision":"abc","status":"running"}}`)
	})
	mux.HandleFunc("/api/jobs/idle/builds/claim", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/builds/b1/complete", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&completed)
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"build":{"id":"b1","status":"finished","result":"FAILURE","error":"ssh connect: refused"}}`)
	})
	mux.HandleFunc("/api/builds/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"build not found"}`, http.StatusNotFound)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewClient(ts.URL+"/", "tok")
	ctx := context.Background()

	item, err := c.Poll(ctx, "core")
	if err != nil || item == nil || item.Revision != "abc" {
		t.Fatalf("Poll: %#v %v", item, err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("token not sent: %q", gotAuth)
	}

	b, err := c.Claim(ctx, "core", time.Second)
	if err != nil || b == nil || b.Number != 4 {
		t.Fatalf("Claim: %#v %v", b, err)
	}
	if none, err := c.Claim(ctx, "idle", time.Second); err != nil || none != nil {
		t.Fatalf("expected empty claim, got %#v %v", none, err)
	}

	done, err := c.Complete(ctx, "b1", builder.CompleteRequest{Result: builder.ResultFailure, Workspace: "/ws"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway || apiErr.Message != "ssh connect: refused" {
		t.Fatalf("expected API error, got %v", err)
	}
	if done.Status != builder.StatusFinished || completed.Workspace != "/ws" {
		t.Fatalf("unexpected completion %#v %#v", done, completed)
	}

	if _, err := c.GetBuild(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
