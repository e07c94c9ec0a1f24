package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/acme/siteflow/internal/domain"
)

// Executor runs one stage's agent work to completion. What the agent
// actually does for a given stage is out of scope (Section 6 Non-goals);
// the dispatcher only needs to start it, observe progress, and learn
// whether it succeeded.
type Executor interface {
	Run(ctx context.Context, req ExecutionRequest, progress func(pct int)) error
}

// ExecutionRequest carries everything an Executor needs to run one task.
type ExecutionRequest struct {
	ProjectID  string
	TaskID     string
	Stage      domain.Stage
	WorkDir    string
	Feedback   string
	ExecutorProfile string
}

// CommandExecutor shells out to a per-stage script, matching the teacher's
// worker pool convention of driving external work through os/exec rather
// than linking an agent runtime into this process. The script receives the
// stage, work directory and feedback as environment variables and is
// expected to print lines of the form "PROGRESS <0-100>" to stdout as it
// runs; any other stdout line is read and discarded.
type CommandExecutor struct {
	// ScriptDir holds one executable file per stage name, e.g.
	// "<ScriptDir>/research.sh". Stages that have no script of their own
	// fall back to ScriptDir/default.sh.
	ScriptDir string
}

var progressLine = regexp.MustCompile(`^PROGRESS\s+(\d{1,3})\s*$`)

func (e *CommandExecutor) Run(ctx context.Context, req ExecutionRequest, progress func(pct int)) error {
	script := filepath.Join(e.ScriptDir, string(req.Stage)+".sh")
	if _, err := os.Stat(script); err != nil {
		script = filepath.Join(e.ScriptDir, "default.sh")
	}

	cmd := exec.CommandContext(ctx, script)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(),
		"SITEFLOW_PROJECT_ID="+req.ProjectID,
		"SITEFLOW_TASK_ID="+req.TaskID,
		"SITEFLOW_STAGE="+string(req.Stage),
		"SITEFLOW_FEEDBACK="+req.Feedback,
		"SITEFLOW_EXECUTOR_PROFILE="+req.ExecutorProfile,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("dispatch: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("dispatch: start %s: %w", script, err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if m := progressLine.FindStringSubmatch(scanner.Text()); m != nil {
			pct, _ := strconv.Atoi(m[1])
			if pct > 100 {
				pct = 100
			}
			progress(pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("dispatch: %s exited: %w", script, err)
	}
	return nil
}
