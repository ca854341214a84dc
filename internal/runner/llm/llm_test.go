package llm

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDecoder struct {
	events []ssestream.Event
	idx    int
}

func (d *fakeDecoder) Next() bool {
	if d.idx >= len(d.events) {
		return false
	}
	d.idx++
	return true
}

func (d *fakeDecoder) Event() ssestream.Event { return d.events[d.idx-1] }
func (d *fakeDecoder) Close() error           { return nil }
func (d *fakeDecoder) Err() error             { return nil }

func contentEvent(text string) ssestream.Event {
	data := fmt.Sprintf(`{"id":"c1","choices":[{"index":0,"delta":{"content":%q}}]}`, text)
	return ssestream.Event{Data: []byte(data)}
}

func finishEvent(reason string) ssestream.Event {
	data := fmt.Sprintf(`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":%q}]}`, reason)
	return ssestream.Event{Data: []byte(data)}
}

func doneEvent() ssestream.Event {
	return ssestream.Event{Data: []byte("[DONE]")}
}

// endlessDecoder never runs out of events, so a stream over it can only end
// through cancellation.
type endlessDecoder struct{}

func (endlessDecoder) Next() bool             { return true }
func (endlessDecoder) Event() ssestream.Event { return contentEvent("x") }
func (endlessDecoder) Close() error           { return nil }
func (endlessDecoder) Err() error             { return nil }

type stubChat struct {
	last    openai.ChatCompletionNewParams
	events  []ssestream.Event
	decoder ssestream.Decoder
}

func (s *stubChat) NewStreaming(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk] {
	s.last = body
	dec := s.decoder
	if dec == nil {
		dec = &fakeDecoder{events: s.events}
	}
	return ssestream.NewStream[openai.ChatCompletionChunk](dec, nil)
}

func collect(t *testing.T, s Streamer) (string, string) {
	t.Helper()
	var text, finish string
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return text, finish
		}
		require.NoError(t, err)
		text += chunk.Text
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
}

func TestStreamAccumulatesDeltas(t *testing.T) {
	stub := &stubChat{events: []ssestream.Event{
		contentEvent("Hello"),
		contentEvent(" world"),
		finishEvent("stop"),
		doneEvent(),
	}}
	client, err := NewWithStreamer(stub, "llama3.1")
	require.NoError(t, err)

	stream, err := client.Stream(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "you are a test"},
			{Role: RoleUser, Content: "say hello"},
		},
	})
	require.NoError(t, err)
	defer stream.Close()

	text, finish := collect(t, stream)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, "stop", finish)
}

func TestStreamUsesDefaultModel(t *testing.T) {
	stub := &stubChat{events: []ssestream.Event{doneEvent()}}
	client, err := NewWithStreamer(stub, "llama3.1")
	require.NoError(t, err)

	stream, err := client.Stream(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()
	collect(t, stream)

	assert.Equal(t, "llama3.1", string(stub.last.Model))
}

func TestStreamModelOverride(t *testing.T) {
	stub := &stubChat{events: []ssestream.Event{doneEvent()}}
	client, err := NewWithStreamer(stub, "llama3.1")
	require.NoError(t, err)

	stream, err := client.Stream(context.Background(), Request{
		Model:    "qwen2.5",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()
	collect(t, stream)

	assert.Equal(t, "qwen2.5", string(stub.last.Model))
}

func TestStreamRequiresMessages(t *testing.T) {
	stub := &stubChat{}
	client, err := NewWithStreamer(stub, "llama3.1")
	require.NoError(t, err)

	_, err = client.Stream(context.Background(), Request{})
	assert.Error(t, err)
}

func TestStreamCancellation(t *testing.T) {
	stub := &stubChat{decoder: endlessDecoder{}}
	client, err := NewWithStreamer(stub, "llama3.1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.Stream(ctx, Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	cancel()
	for {
		_, err := stream.Recv()
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			return
		}
	}
}

func TestNewOpenAIClientValidation(t *testing.T) {
	_, err := NewOpenAIClient(Options{Model: "llama3.1"})
	assert.Error(t, err)

	_, err = NewOpenAIClient(Options{BaseURL: "http://localhost:11434/v1"})
	assert.Error(t, err)

	client, err := NewOpenAIClient(Options{
		BaseURL: "http://localhost:11434/v1",
		APIKey:  "ollama",
		Model:   "llama3.1",
	})
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestEncodeMessagesRoles(t *testing.T) {
	msgs := encodeMessages([]Message{
		{Role: RoleSystem, Content: "s"},
		{Role: RoleUser, Content: "u"},
		{Role: RoleAssistant, Content: "a"},
	})
	require.Len(t, msgs, 3)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	assert.NotNil(t, msgs[2].OfAssistant)
}
