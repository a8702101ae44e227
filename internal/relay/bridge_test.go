package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicerelay/internal/bus"
	"github.com/loqalabs/loqa-voicerelay/internal/config"
	"github.com/loqalabs/loqa-voicerelay/internal/natsserver"
	"github.com/loqalabs/loqa-voicerelay/internal/protocol"
	"github.com/loqalabs/loqa-voicerelay/internal/synth"
	"github.com/nats-io/nats.go"
)

func connectBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), "relay-test", cfg, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBridgeSpeakAndPublish(t *testing.T) {
	h := newHarness(t)
	client := connectBus(t)
	ctx := context.Background()

	bridge := NewBridge(client, h.service, testLogger())
	h.sessions.AddObserver(bridge)
	if err := bridge.Start(ctx); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	defer bridge.Stop()

	played := make(chan protocol.PlaybackEvent, 4)
	sub, err := client.Subscribe(protocol.SubjectPlaybackAll, func(msg *nats.Msg) {
		var evt protocol.PlaybackEvent
		if err := json.Unmarshal(msg.Data, &evt); err == nil {
			played <- evt
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := h.service.Join(ctx, "g1", "vc1", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	data, _ := json.Marshal(protocol.SpeakRequest{RequestID: "req-1", GuildID: "g1", AuthorID: "u1", Text: "テスト", Speed: 120})
	resp, err := client.Conn().Request(protocol.SubjectSpeak, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.SpeakReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.Accepted || reply.RequestID != "req-1" {
		t.Fatalf("expected accepted reply, got %+v", reply)
	}

	select {
	case evt := <-played:
		if evt.RequestID != "req-1" || evt.Status != "played" || evt.Chars != 3 || evt.Engine != "mock" {
			t.Fatalf("unexpected playback event %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for playback event")
	}
	if evt := h.next(t); evt.Request.Speed != 120 {
		t.Fatalf("expected speed override, got %v", evt.Request.Speed)
	}
}

func TestBridgeRefusesWithoutSession(t *testing.T) {
	h := newHarness(t)
	client := connectBus(t)
	bridge := NewBridge(client, h.service, testLogger())
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	defer bridge.Stop()

	for name, payload := range map[string][]byte{
		"not connected": []byte(`{"guild_id":"g1","text":"hello"}`),
		"missing guild": []byte(`{"text":"hello"}`),
		"bad json":      []byte(`{`),
	} {
		resp, err := client.Conn().Request(protocol.SubjectSpeak, payload, 2*time.Second)
		if err != nil {
			t.Fatalf("%s: request: %v", name, err)
		}
		var reply protocol.SpeakReply
		if err := json.Unmarshal(resp.Data, &reply); err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if reply.Accepted || reply.Error == "" {
			t.Fatalf("%s: expected refusal, got %+v", name, reply)
		}
	}
}

func TestSpeakRejectsSpeedOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.service.Join(ctx, "g1", "vc1", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	_, err := h.service.Speak(ctx, protocol.SpeakRequest{GuildID: "g1", AuthorID: "u1", Text: "hello", Speed: 300})
	if !errors.Is(err, synth.ErrSpeedOutOfRange) {
		t.Fatalf("expected ErrSpeedOutOfRange, got %v", err)
	}
	h.quiet(t)
}

func TestSpeakEngineOverrideResetsSpeed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.service.Join(ctx, "g1", "vc1", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := h.service.UpdateVoicePreference(ctx, "g1", "u1", "f1", 150, synth.EngineMock); err != nil {
		t.Fatalf("update preference: %v", err)
	}

	req, err := h.service.Speak(ctx, protocol.SpeakRequest{GuildID: "g1", AuthorID: "u1", Text: "hello", Engine: synth.EngineAivisSpeech})
	if err != nil {
		t.Fatalf("expected override to be accepted, got %v", err)
	}
	if req.Speed != 1.0 || req.Engine != synth.EngineAivisSpeech {
		t.Fatalf("expected normal multiplier speed for aivisspeech, got %+v", req)
	}
	// aivisspeech is not registered in the harness, so playback drops it
	if evt := h.next(t); evt.Request.ID != req.ID {
		t.Fatalf("unexpected event %+v", evt)
	}
}
