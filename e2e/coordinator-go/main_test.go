package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func newTestCoordinator(t *testing.T) (*coordinator, *httptest.Server) {
	t.Helper()
	c := newCoordinator(newAPI("off"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(c)
	t.Cleanup(func() {
		ts.Close()
		c.closeAll()
	})
	return c, ts
}

func post(t *testing.T, url string, msg message) message {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d body=%s", resp.StatusCode, b)
	}
	var reply message
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return reply
}

func TestCoordinator_OfferAnswerCandidateClose(t *testing.T) {
	c, ts := newTestCoordinator(t)

	client, err := newAPI("off").NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.CreateDataChannel("probe", nil); err != nil {
		t.Fatal(err)
	}
	offer, err := client.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}

	answer := post(t, ts.URL, message{Type: "offer", SessionID: "1-abc", SDP: offer.SDP})
	if answer.Type != "answer" || answer.SessionID != "1-abc" {
		t.Fatalf("unexpected reply %#v", answer)
	}
	if !strings.HasPrefix(answer.SDP, "v=0") {
		t.Fatalf("answer sdp=%q", answer.SDP)
	}
	if err := client.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		t.Fatalf("client rejected answer: %v", err)
	}
	if got := c.sessions(); got != 1 {
		t.Fatalf("sessions=%d, want 1", got)
	}

	ack := post(t, ts.URL, message{Type: "ice-candidate", SessionID: "1-abc", Candidate: ""})
	if ack.Type != "ok" {
		t.Fatalf("candidate reply %#v", ack)
	}

	closed := post(t, ts.URL, message{Type: "close", SessionID: "1-abc"})
	if closed.Type != "ok" {
		t.Fatalf("close reply %#v", closed)
	}
	if got := c.sessions(); got != 0 {
		t.Fatalf("sessions=%d after close, want 0", got)
	}
}

func TestCoordinator_Errors(t *testing.T) {
	_, ts := newTestCoordinator(t)

	reply := post(t, ts.URL, message{Type: "bogus", SessionID: "1-abc"})
	if reply.Type != "error" || reply.Message != "Unknown message type" {
		t.Fatalf("unknown type reply %#v", reply)
	}

	reply = post(t, ts.URL, message{Type: "offer", SessionID: "1-abc", SDP: "garbage"})
	if reply.Type != "error" || reply.SessionID != "1-abc" {
		t.Fatalf("bad offer reply %#v", reply)
	}

	resp, err := http.Post(ts.URL, "application/json", strings.NewReader(`{"type":"offer"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing sessionId status=%d", resp.StatusCode)
	}
}
