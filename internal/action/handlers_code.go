package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// resultSentinel separates user stdout from the structured result envelope
// in run_python output. Everything after the sentinel line is parsed as
// JSON into Data["result"]; its absence is not a failure.
const resultSentinel = "\x00NEXUS_RESULT\x00"

// pythonEnvelope appends the sentinel emission to user code. The user's
// `result` variable, if defined and JSON-serializable, is recovered.
const pythonEnvelope = `
try:
    import json as __nexus_json, sys as __nexus_sys
    __nexus_sys.stdout.write("\n\x00NEXUS_RESULT\x00\n")
    try:
        __nexus_sys.stdout.write(__nexus_json.dumps(result))
    except Exception:
        pass
except Exception:
    pass
`

func handleRunPython(ctx context.Context, e *Executor, p Params) (*Output, error) {
	code := p.Str("code")
	if code == "" {
		return nil, errors.New("run_python: 'code' must be non-empty")
	}

	cmd := exec.CommandContext(ctx, "python3", "-c", code+pythonEnvelope)
	cmd.Dir = e.gate.ProjectRoot()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	visible, structured := splitSentinel(stdout.String())

	data := map[string]interface{}{"stderr": stderr.String()}
	if structured != "" {
		var result interface{}
		if err := json.Unmarshal([]byte(structured), &result); err == nil {
			data["result"] = result
		}
	}

	if runErr != nil {
		return &Output{Text: visible + stderr.String(), Data: data}, handlerError("run_python", runErr)
	}
	return &Output{Text: visible, Data: data}, nil
}

func splitSentinel(stdout string) (visible, structured string) {
	idx := strings.Index(stdout, resultSentinel)
	if idx < 0 {
		return stdout, ""
	}
	visible = strings.TrimSuffix(stdout[:idx], "\n")
	structured = strings.TrimSpace(stdout[idx+len(resultSentinel):])
	return visible, structured
}

func handleRunShell(ctx context.Context, e *Executor, p Params) (*Output, error) {
	command := p.Str("command")
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.gate.ProjectRoot()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	data := map[string]interface{}{"stderr": stderr.String()}
	if cmd.ProcessState != nil {
		data["exit_code"] = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return &Output{Text: stdout.String() + stderr.String(), Data: data}, handlerError("run_shell", err)
	}
	return &Output{Text: stdout.String(), Data: data}, nil
}

// handleRunScript dispatches by extension: .py via the python interpreter,
// .sh via the shell (policy-checked), .go via the embedded yaegi
// interpreter so NEXUS can evaluate Go snippets without a toolchain.
func handleRunScript(ctx context.Context, e *Executor, p Params) (*Output, error) {
	path := p.Str("path")
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		cmd := exec.CommandContext(ctx, "python3", path)
		cmd.Dir = e.gate.ProjectRoot()
		return runCollect(cmd, "run_script")
	case ".sh":
		if decision := e.gate.CheckShell("sh "+path, e.mode); !decision.Allowed {
			return nil, errors.New("run_script: policy denied: " + decision.Reason)
		}
		cmd := exec.CommandContext(ctx, "sh", path)
		cmd.Dir = e.gate.ProjectRoot()
		return runCollect(cmd, "run_script")
	case ".go":
		return runYaegi(path)
	default:
		return nil, fmt.Errorf("run_script: unsupported extension %q", filepath.Ext(path))
	}
}

func runCollect(cmd *exec.Cmd, op string) (*Output, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	data := map[string]interface{}{"stderr": stderr.String()}
	if cmd.ProcessState != nil {
		data["exit_code"] = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return &Output{Text: stdout.String() + stderr.String(), Data: data}, handlerError(op, err)
	}
	return &Output{Text: stdout.String(), Data: data}, nil
}

func readScript(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func runYaegi(path string) (*Output, error) {
	var stdout bytes.Buffer
	i := interp.New(interp.Options{Stdout: &stdout, Stderr: &stdout})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, handlerError("run_script", err)
	}
	src, err := readScript(path)
	if err != nil {
		return nil, handlerError("run_script", err)
	}
	v, err := i.Eval(src)
	if err != nil {
		return &Output{Text: stdout.String()}, handlerError("run_script", err)
	}
	data := map[string]interface{}{}
	if v.IsValid() {
		data["result"] = fmt.Sprintf("%v", v)
	}
	return &Output{Text: stdout.String(), Data: data}, nil
}
