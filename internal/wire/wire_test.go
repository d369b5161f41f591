package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestTextDelta(t *testing.T) {
	got := string(TextDelta(`say "hi"`))
	want := "0:\"say \\\"hi\\\"\"\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFinish(t *testing.T) {
	got := string(Finish(FinishEvent{
		FinishReason: "stop",
		Usage:        Usage{CompletionTokens: 7, PromptTokens: 3},
	}))
	want := `e:{"finishReason":"stop","usage":{"completionTokens":7,"promptTokens":3},"isContinued":false}` + "\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestData(t *testing.T) {
	got := string(Data(DataEvent{
		FinishReason: "stop",
		Usage:        Usage{CompletionTokens: 7, PromptTokens: 3},
	}))
	want := `d:{"finishReason":"stop","usage":{"completionTokens":7,"promptTokens":3}}` + "\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestError(t *testing.T) {
	got := string(Error("Oops, an error occurred!"))
	want := `3:"Oops, an error occurred!"` + "\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAppendMessage(t *testing.T) {
	type msg struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	}
	rec, err := AppendMessage(msg{ID: "m1", Role: "assistant"})
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	s := string(rec)
	if !strings.HasPrefix(s, "2:") || !strings.HasSuffix(s, "\n") {
		t.Fatalf("malformed record: %q", s)
	}

	var events []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(s, "2:"))), &events); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if len(events) != 1 || events[0].Type != "append-message" {
		t.Fatalf("unexpected events: %+v", events)
	}

	// The message rides as a JSON string inside the event.
	var decoded msg
	if err := json.Unmarshal([]byte(events[0].Message), &decoded); err != nil {
		t.Fatalf("decode embedded message: %v", err)
	}
	if decoded.ID != "m1" || decoded.Role != "assistant" {
		t.Fatalf("unexpected message: %+v", decoded)
	}
}
