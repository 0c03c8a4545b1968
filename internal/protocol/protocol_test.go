package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodePushWithoutRef(t *testing.T) {
	raw := `{"topic":"patterns:stream","event":"pattern_indexed","payload":{"count":2,"deduplicated":1}}`

	env, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.HasRef() {
		t.Fatalf("push envelope should have no ref, got %q", *env.Ref)
	}
	if env.Event != EventPatternIndexed {
		t.Fatalf("unexpected event %q", env.Event)
	}

	var p Indexed
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if p.Count != 2 || p.Deduplicated != 1 {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestDecodeEmptyRefDistinctFromAbsent(t *testing.T) {
	env, err := Decode([]byte(`{"topic":"t","event":"e","payload":{},"ref":""}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.HasRef() {
		t.Fatal("explicit empty ref should be present")
	}
	if *env.Ref != "" {
		t.Fatalf("expected empty ref, got %q", *env.Ref)
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	if err == nil {
		t.Fatal("expected decode error")
	}
	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *DecodeError, got %T: %v", err, err)
	}
}

func TestNewRequestRoundTrip(t *testing.T) {
	req, err := NewRequest("patterns:stream", EventQuerySimilar, SimilarityQuery{
		Vector: []float64{0.1, 0.2},
		K:      5,
	}, "2")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	data, err := Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Topic != "patterns:stream" || env.Event != EventQuerySimilar {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if !env.HasRef() || *env.Ref != "2" {
		t.Fatal("request must carry its ref")
	}

	var q SimilarityQuery
	if err := json.Unmarshal(env.Payload, &q); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if len(q.Vector) != 2 || q.K != 5 {
		t.Fatalf("unexpected query: %+v", q)
	}
}

func TestParseReply(t *testing.T) {
	ref := "7"
	env := &Envelope{
		Topic:   "patterns:stream",
		Event:   EventReply,
		Payload: json.RawMessage(`{"status":"ok","response":{"results":[{"pattern_id":"p1","score":0.93}]}}`),
		Ref:     &ref,
	}

	reply, err := ParseReply(env)
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if !reply.OK() {
		t.Fatalf("expected ok status, got %q", reply.Status)
	}

	var resp SearchResponse
	if err := json.Unmarshal(reply.Response, &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].PatternID != "p1" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
}

func TestParseReplyErrorStatus(t *testing.T) {
	env := &Envelope{
		Event:   EventReply,
		Payload: json.RawMessage(`{"status":"error","response":{"reason":"unmatched topic"}}`),
	}
	reply, err := ParseReply(env)
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if reply.OK() {
		t.Fatal("error status should not report ok")
	}
}

func TestParseReplyWrongEvent(t *testing.T) {
	env := &Envelope{Event: EventPatternMatched, Payload: json.RawMessage(`{}`)}
	if _, err := ParseReply(env); err == nil {
		t.Fatal("expected error for non-reply envelope")
	}
}
