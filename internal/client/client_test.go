package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xfeldman/deskagent/internal/api"
	"github.com/xfeldman/deskagent/internal/client"
	"github.com/xfeldman/deskagent/internal/command"
	"github.com/xfeldman/deskagent/internal/desktop"
	"github.com/xfeldman/deskagent/internal/eventlog"
	"github.com/xfeldman/deskagent/internal/journal"
)

type pingHandler struct{}

func (pingHandler) Actions() []string { return []string{"ping"} }

func (pingHandler) Handle(ctx context.Context, cmd command.Command) command.Result {
	if cmd.SessionID == "" {
		return command.Fail(cmd, "InvalidPayload", errors.New("session id required"))
	}
	return command.OK(cmd, map[string]bool{"pong": true})
}

type oneSession struct{}

func (oneSession) List() []desktop.Info {
	return []desktop.Info{{SessionID: "desk", Mode: "direct", Quality: 75, Width: 800, Height: 600}}
}

type fixture struct {
	c       *client.Client
	events  *eventlog.Store
	journal *journal.DB
}

func startServer(t *testing.T) *fixture {
	t.Helper()
	// Short path: unix socket paths are length-limited.
	dir, err := os.MkdirTemp("", "dk")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := journal.Open(filepath.Join(dir, "j.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	events := eventlog.NewStore(filepath.Join(dir, "ev"))
	t.Cleanup(events.Close)

	router := command.NewRouter(nil)
	router.Register(pingHandler{})

	sock := filepath.Join(dir, "a.sock")
	srv := api.NewServer(sock, api.Deps{Commands: router, Sessions: oneSession{}, Events: events, Journal: db}, nil)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	return &fixture{c: client.New(sock), events: events, journal: db}
}

func TestSend(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()

	res, err := f.c.Send(ctx, client.CommandRequest{Action: "ping", SessionID: "desk"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.ID == "" {
		t.Fatalf("result = %+v", res)
	}
	var payload map[string]bool
	if err := json.Unmarshal(res.Payload, &payload); err != nil || !payload["pong"] {
		t.Errorf("payload = %s", res.Payload)
	}

	res, err = f.c.Send(ctx, client.CommandRequest{Action: "ping"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Reason != "InvalidPayload" {
		t.Errorf("failure result = %+v", res)
	}
}

func TestSend_MissingAction(t *testing.T) {
	f := startServer(t)
	_, err := f.c.Send(context.Background(), client.CommandRequest{SessionID: "desk"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 APIError", err)
	}
	if apiErr.Message != "action is required" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestSessionsAndStatus(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()

	list, err := f.c.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].SessionID != "desk" || list[0].Width != 800 {
		t.Errorf("sessions = %+v", list)
	}

	st, err := f.c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "running" || st.Sessions != 1 || len(st.Actions) != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestEvents(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()

	_, err := f.c.Events(ctx, "desk", 0)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404", err)
	}

	f.events.Append("desk", "log", "ready")
	f.events.Append("desk", "chat", "hi")
	got, err := f.c.Events(ctx, "desk", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Kind != "chat" || got[1].Text != "hi" {
		t.Errorf("events = %+v", got)
	}
}

func TestFollowEvents(t *testing.T) {
	f := startServer(t)
	f.events.Append("desk", "log", "ready")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := make(chan client.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- f.c.FollowEvents(ctx, "desk", func(e client.Event) { seen <- e })
	}()

	if e := <-seen; e.Text != "ready" {
		t.Errorf("first = %+v", e)
	}
	f.events.Append("desk", "chat", "typed")
	select {
	case e := <-seen:
		if e.Text != "typed" {
			t.Errorf("second = %+v", e)
		}
	case <-ctx.Done():
		t.Fatal("no live event")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("FollowEvents = %v, want canceled", err)
	}
}

func TestJournal(t *testing.T) {
	f := startServer(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	f.journal.Record(ctx, journal.Entry{Time: now.Add(-time.Hour), SessionID: "desk", Event: journal.EventStart, Mode: "helper", Pid: 7})
	f.journal.Record(ctx, journal.Entry{Time: now, SessionID: "desk", Event: journal.EventStop})

	all, err := f.c.Journal(ctx, client.JournalQuery{SessionID: "DESK"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Pid != 7 || all[0].Mode != "helper" {
		t.Errorf("journal = %+v", all)
	}

	recent, err := f.c.Journal(ctx, client.JournalQuery{Since: now.Add(-time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Event != journal.EventStop {
		t.Errorf("recent = %+v", recent)
	}
}
