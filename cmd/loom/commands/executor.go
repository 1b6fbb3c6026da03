package commands

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/loomhq/loom/pkg/schema"
)

// commandExecutor shells out to a configured model command. The prompt is
// written to the command's stdin and the response is read from stdout:
//
//	<model_command> <model_id> [--system <system_prompt>]
//
// This keeps the engine decoupled from any provider SDK; any CLI that speaks
// stdin/stdout can serve as the model backend.
type commandExecutor struct {
	command string
}

func newCommandExecutor(command string) *commandExecutor {
	return &commandExecutor{command: command}
}

func (e *commandExecutor) Execute(ctx context.Context, model, prompt, systemPrompt string) (string, error) {
	if e.command == "" {
		return "", schema.NewError(schema.ErrCodeExecution,
			"no model command configured (set model_command in settings.json or LOOM_MODEL_COMMAND)")
	}

	args := []string{model}
	if systemPrompt != "" {
		args = append(args, "--system", systemPrompt)
	}

	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", schema.NewErrorf(schema.ErrCodeStepFailed,
			"model command failed: %s", msg).WithCause(err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// newModelSelector resolves model "auto" to the configured default model.
func newModelSelector(defaultModel string) func(ctx context.Context, step *schema.Step) (string, error) {
	return func(ctx context.Context, step *schema.Step) (string, error) {
		if defaultModel == "" {
			return "", schema.NewError(schema.ErrCodeExecution,
				`step requests model "auto" but no default_model is configured`)
		}
		return defaultModel, nil
	}
}
