package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/fingerprint"
	"github.com/mattn/go-shellwords"
)

// Exec runs an external command per synthesis. The command receives a JSON
// request on stdin and must write the encoded audio to stdout.
type Exec struct {
	cmd []string
	log *slog.Logger
}

type execRequest struct {
	Text   string             `json:"text"`
	Params fingerprint.Params `json:"params"`
}

func NewExec(command string, log *slog.Logger) (*Exec, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse provider command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("provider command empty")
	}
	return &Exec{cmd: args, log: log}, nil
}

func (e *Exec) Synthesize(ctx context.Context, text string, p fingerprint.Params) ([]byte, error) {
	data, err := json.Marshal(execRequest{Text: text, Params: p})
	if err != nil {
		return nil, newError(KindRejected, "encode request: %v", err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, newError(KindRejected, "command exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, &Error{Kind: KindUnreachable, Err: fmt.Errorf("start command: %w", err)}
	}
	if stdout.Len() == 0 {
		return nil, newError(KindBadResponse, "command produced no audio")
	}
	if stderr.Len() > 0 {
		e.log.Debug("provider command stderr", slog.String("stderr", strings.TrimSpace(stderr.String())))
	}
	return stdout.Bytes(), nil
}
