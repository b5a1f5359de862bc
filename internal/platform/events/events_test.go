package events

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

type recordingTransport struct {
	name string
	err  error
	got  []Envelope
}

func (r *recordingTransport) Name() string { return r.name }

func (r *recordingTransport) Send(_ context.Context, env Envelope, _ []byte) error {
	r.got = append(r.got, env)
	return r.err
}

func TestBus_DeliversToEveryTransport(t *testing.T) {
	a := &recordingTransport{name: "a"}
	b := &recordingTransport{name: "b", err: errors.New("broker down")}
	c := &recordingTransport{name: "c"}
	bus := NewBus(zerolog.Nop(), a, b, c)

	err := bus.Publish(context.Background(), "capacity-update", map[string]int{"occupied": 3})
	if err == nil {
		t.Fatal("expected joined error from failing transport")
	}
	if !strings.Contains(err.Error(), "b: broker down") {
		t.Errorf("error should name failing transport, got %v", err)
	}
	if len(a.got) != 1 || len(c.got) != 1 {
		t.Fatalf("healthy transports should still receive the event: a=%d c=%d", len(a.got), len(c.got))
	}
	if a.got[0].ID != c.got[0].ID {
		t.Errorf("transports should share one envelope id, got %s and %s", a.got[0].ID, c.got[0].ID)
	}
}

func TestEncode(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env, body, err := Encode("patient-triaged", map[string]string{"patient_id": "p1"}, at)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if env.ID == "" {
		t.Error("expected envelope id")
	}

	var decoded Envelope
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if decoded.Topic != "patient-triaged" || !decoded.Timestamp.Equal(at) {
		t.Errorf("unexpected envelope %+v", decoded)
	}
	if string(decoded.Payload) != `{"patient_id":"p1"}` {
		t.Errorf("unexpected payload %s", decoded.Payload)
	}
}

func TestEncode_UnsupportedPayload(t *testing.T) {
	if _, _, err := Encode("x", make(chan int), time.Now()); err == nil {
		t.Fatal("expected marshal error for channel payload")
	}
}
