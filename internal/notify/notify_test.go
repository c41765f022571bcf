package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/developingchet/meeting-scheduler/internal/pool"
)

func TestDiscordAlert_PostsEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type: %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord(srv.URL, srv.Client())
	err := d.Alert(context.Background(), Alert{
		Kind:   KindBan,
		Title:  "IP BANNED",
		Color:  ColorBan,
		Fields: []Field{{Name: "IP", Value: "203.0.113.5", Inline: true}, {Name: "Email", Value: ""}},
	})
	if err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(got.Embeds))
	}
	e := got.Embeds[0]
	if e.Title != "IP BANNED" || e.Color != ColorBan {
		t.Errorf("embed: %+v", e)
	}
	if len(e.Fields) != 2 || e.Fields[0].Value != "203.0.113.5" || !e.Fields[0].Inline {
		t.Errorf("fields: %+v", e.Fields)
	}
	if e.Fields[1].Value != "-" {
		t.Errorf("empty field value should be replaced, got %q", e.Fields[1].Value)
	}
}

func TestDiscordAlert_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL, srv.Client()).Alert(context.Background(), Alert{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestGmailEmail_SendsRawMessage(t *testing.T) {
	var raw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/messages/send") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Raw string `json:"raw"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		raw = body.Raw
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg-1"}`)
	}))
	defer srv.Close()

	g, err := NewGmail(context.Background(), "owner@example.com",
		option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("NewGmail: %v", err)
	}
	err = g.Email(context.Background(), Message{
		To:      []string{"ada@example.com"},
		Subject: "Meeting Confirmed: Coffee",
		Body:    "See you then.",
	})
	if err != nil {
		t.Fatalf("Email: %v", err)
	}

	decoded, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("raw is not base64url: %v", err)
	}
	msg := string(decoded)
	for _, want := range []string{"From: owner@example.com\r\n", "To: ada@example.com\r\n", "Subject: Meeting Confirmed: Coffee\r\n", "\r\n\r\nSee you then."} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestGmailEmail_NoRecipients(t *testing.T) {
	g, err := NewGmail(context.Background(), "", option.WithHTTPClient(http.DefaultClient), option.WithEndpoint("http://127.0.0.1:1/"))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Email(context.Background(), Message{Subject: "x"}); err == nil {
		t.Fatal("expected error without recipients")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
	mails  []Message
	err    error
}

func (r *recordingSink) Alert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recordingSink) Email(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mails = append(r.mails, m)
	return r.err
}

func TestHub_NilSinksSkipped(t *testing.T) {
	h := NewHub(nil, nil, zerolog.Nop())
	if err := h.Alert(context.Background(), Alert{Kind: KindBan}); err != nil {
		t.Errorf("nil alerter should be skipped, got %v", err)
	}
	if err := h.Email(context.Background(), Message{To: []string{"a@b.c"}}); err != nil {
		t.Errorf("nil mailer should be skipped, got %v", err)
	}
}

func TestHub_PropagatesSinkErrors(t *testing.T) {
	boom := errors.New("boom")
	sink := &recordingSink{err: boom}
	h := NewHub(sink, sink, zerolog.Nop())
	if err := h.Alert(context.Background(), Alert{}); !errors.Is(err, boom) {
		t.Errorf("Alert: got %v", err)
	}
	if err := h.Email(context.Background(), Message{}); !errors.Is(err, boom) {
		t.Errorf("Email: got %v", err)
	}
}

func TestQueued_DeliversViaPool(t *testing.T) {
	p, err := pool.New(pool.Config{Workers: 1, QueueDepth: 4, MaxRetries: 0, RetryBase: time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())

	sink := &recordingSink{}
	q := NewQueued(sink, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // caller cancellation must not abort delivery
	if err := q.Alert(ctx, Alert{Kind: KindBookingRequest, Title: "new"}); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	p.Stop()

	if len(sink.alerts) != 1 || sink.alerts[0].Title != "new" {
		t.Fatalf("expected delivered alert, got %+v", sink.alerts)
	}
}

type refusingQueue struct{}

func (refusingQueue) Enqueue(pool.Job) bool { return false }

func TestQueued_FullQueue(t *testing.T) {
	q := NewQueued(&recordingSink{}, refusingQueue{})
	if err := q.Alert(context.Background(), Alert{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
