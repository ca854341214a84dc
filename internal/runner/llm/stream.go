package llm

import (
	"context"
	"io"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
)

// openaiStreamer adapts an OpenAI chat completion SSE stream to the Streamer
// interface. A pump goroutine reads SDK events and forwards content deltas on
// a buffered channel; the final error (if any) is latched once.
type openaiStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[openai.ChatCompletionChunk]

	chunks chan Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newOpenAIStreamer(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk]) *openaiStreamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &openaiStreamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan Chunk, 32),
	}
	go s.run()
	return s
}

func (s *openaiStreamer) Recv() (Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return Chunk{}, err
		}
		return Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return Chunk{}, err
	}
}

func (s *openaiStreamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *openaiStreamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			} else {
				s.setErr(nil)
			}
			return
		}
		event := s.stream.Current()
		if len(event.Choices) == 0 {
			continue
		}
		choice := event.Choices[0]
		if choice.Delta.Content == "" && choice.FinishReason == "" {
			continue
		}
		if err := s.emit(Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *openaiStreamer) emit(chunk Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *openaiStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *openaiStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
