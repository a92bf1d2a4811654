package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/omnibrowser/jobstream/internal/worker"
)

type echoInput struct {
	Text      string `json:"text" validate:"required"`
	ChunkSize int    `json:"chunk_size" validate:"omitempty,min=1,max=4096"`
	DelayMS   int    `json:"delay_ms" validate:"min=0,max=10000"`
}

// Echo streams its input text back in fixed-size chunks. It is useful for
// exercising clients and resumes after the already-emitted prefix.
type Echo struct{}

func (Echo) Validate(input json.RawMessage) error {
	_, err := decodeInput[echoInput](input)
	return err
}

func (Echo) Process(ctx context.Context, s *worker.Streamer) error {
	in, err := decodeInput[echoInput](s.Input())
	if err != nil {
		return err
	}
	size := in.ChunkSize
	if size == 0 {
		size = 16
	}

	text := []rune(in.Text)
	pos := 0
	if cp := s.Resumed(); cp != nil {
		pos = min(len([]rune(cp.PartialOutput)), len(text))
	}

	for pos < len(text) {
		end := min(pos+size, len(text))
		if err := s.EmitChunk(string(text[pos:end])); err != nil {
			return err
		}
		pos = end
		if err := s.EmitProgress(pos, len(text), "echoing"); err != nil {
			return err
		}

		if in.DelayMS > 0 && pos < len(text) {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-time.After(time.Duration(in.DelayMS) * time.Millisecond):
			}
		}
	}
	return nil
}
