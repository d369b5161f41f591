// Package wire encodes the newline-delimited streaming chunk format consumed
// by the chat frontend. Each record is `<tag>:<json>` terminated by a newline:
//
//	0:"hello"                         text delta
//	e:{"finishReason":...}            step finish event
//	d:{"finishReason":...}            final data event
//	2:[{"type":"append-message",...}] data event, used by resume fallback
//
// One decoding path serves both incremental streaming and single-shot mode:
// single-shot responses are emitted as one synthetic delta/finish/data
// sequence through the same encoder.
package wire

import (
	"encoding/json"
	"fmt"
)

type Usage struct {
	CompletionTokens int `json:"completionTokens"`
	PromptTokens     int `json:"promptTokens"`
}

type FinishEvent struct {
	FinishReason string `json:"finishReason"`
	Usage        Usage  `json:"usage"`
	IsContinued  bool   `json:"isContinued"`
}

type DataEvent struct {
	FinishReason string `json:"finishReason"`
	Usage        Usage  `json:"usage"`
}

// TextDelta encodes one incremental text chunk.
func TextDelta(text string) []byte {
	b, _ := json.Marshal(text)
	return []byte(fmt.Sprintf("0:%s\n", b))
}

// Finish encodes the per-step finish event.
func Finish(ev FinishEvent) []byte {
	b, _ := json.Marshal(ev)
	return []byte(fmt.Sprintf("e:%s\n", b))
}

// Data encodes the final event closing the response.
func Data(ev DataEvent) []byte {
	b, _ := json.Marshal(ev)
	return []byte(fmt.Sprintf("d:%s\n", b))
}

// Error encodes an error record. Only the original requester ever receives
// one; resubscribers of a failed generation see a clean end-of-stream.
func Error(message string) []byte {
	b, _ := json.Marshal(message)
	return []byte(fmt.Sprintf("3:%s\n", b))
}

// AppendMessage encodes a data record instructing the client to append a full
// persisted message as if it had streamed. The message is carried as a JSON
// string inside the event, matching what reconnecting clients expect.
func AppendMessage(message any) ([]byte, error) {
	msgJSON, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	ev := []map[string]any{{
		"type":    "append-message",
		"message": string(msgJSON),
	}}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("2:%s\n", b)), nil
}
