package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/omnibrowser/jobstream/internal/worker"
)

type cliInput struct {
	Prompt       string `json:"prompt" validate:"required,max=100000"`
	Model        string `json:"model" validate:"omitempty,max=64"`
	SystemPrompt string `json:"system_prompt" validate:"max=20000"`
	// ResponseFormat "json" asks for raw JSON and stores it as the job result.
	ResponseFormat string `json:"response_format" validate:"omitempty,oneof=text json"`
}

const jsonInstruction = "Your response must be RAW JSON only. Do not wrap it in code fences " +
	"and do not add any text before or after the JSON."

// CLI runs an LLM command line tool that prints stream-json lines and turns
// every assistant text block into a chunk.
type CLI struct {
	Path         string
	DefaultModel string
	// EnvDenyPrefix drops matching variables from the child environment.
	EnvDenyPrefix string
}

func (c *CLI) Validate(input json.RawMessage) error {
	_, err := decodeInput[cliInput](input)
	return err
}

// Process streams the tool's output. On resume the generation is rerun and
// text already covered by the checkpoint is not emitted again.
func (c *CLI) Process(ctx context.Context, s *worker.Streamer) error {
	in, err := decodeInput[cliInput](s.Input())
	if err != nil {
		return err
	}
	model := in.Model
	if model == "" {
		model = c.DefaultModel
	}

	skip := 0
	if cp := s.Resumed(); cp != nil {
		skip = len(cp.PartialOutput)
	}

	// Stop the process as soon as an emit is refused.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var emitErr error
	onChunk := func(text string) {
		if emitErr != nil {
			return
		}
		if skip > 0 {
			n := min(skip, len(text))
			text, skip = text[n:], skip-n
			if text == "" {
				return
			}
		}
		if emitErr = s.EmitChunk(text); emitErr != nil {
			cancel()
		}
	}

	systemPrompt := in.SystemPrompt
	if in.ResponseFormat == "json" {
		systemPrompt = strings.TrimSpace(systemPrompt + "\n\n" + jsonInstruction)
	}

	result, err := c.run(ctx, model, in.Prompt, systemPrompt, onChunk)
	if emitErr != nil {
		return emitErr
	}
	if err != nil {
		return err
	}

	if in.ResponseFormat == "json" {
		// Models sometimes add fences despite the instruction.
		raw := stripCodeFences(result)
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("response is not valid JSON: %.200s", raw)
		}
		return s.EmitCompleted(json.RawMessage(raw))
	}

	data, err := json.Marshal(map[string]string{"output": s.Output(), "result": result})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.EmitCompleted(data)
}

func (c *CLI) run(ctx context.Context, model, prompt, systemPrompt string, onChunk func(string)) (string, error) {
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if systemPrompt != "" {
		args = append(args, "--system-prompt", systemPrompt)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Env = filteredEnv(c.EnvDenyPrefix)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", c.Path, err)
	}

	var finalResult string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		text, result, ok := parseLine(line)
		if !ok {
			continue
		}
		if result != "" {
			finalResult = result
		}
		if text != "" {
			onChunk(text)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		// Errors are often reported on stdout as the result line.
		detail := stderr.String()
		if detail == "" && finalResult != "" {
			detail = finalResult
		}
		return "", fmt.Errorf("%s exited: %w: %s", c.Path, err, strings.TrimSpace(detail))
	}
	return finalResult, nil
}

func filteredEnv(denyPrefix string) []string {
	env := os.Environ()
	if denyPrefix == "" {
		return env
	}
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, denyPrefix) {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// parseLine extracts assistant text and/or the final result from one stream-json line.
func parseLine(line []byte) (text, result string, ok bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return "", "", false
	}

	var msgType string
	if err := json.Unmarshal(raw["type"], &msgType); err != nil {
		return "", "", false
	}

	switch msgType {
	case "assistant":
		content := raw["content"]
		// Newer CLIs nest the content under "message".
		if content == nil {
			var msg struct {
				Content json.RawMessage `json:"content"`
			}
			if json.Unmarshal(raw["message"], &msg) == nil {
				content = msg.Content
			}
		}
		return extractAssistantText(content), "", true

	case "result":
		if err := json.Unmarshal(raw["result"], &result); err != nil {
			return "", "", false
		}
		return "", result, true
	}
	return "", "", false
}

func extractAssistantText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// stripCodeFences removes markdown code fences around s.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if strings.HasSuffix(s, "```") {
			s = s[:len(s)-3]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
