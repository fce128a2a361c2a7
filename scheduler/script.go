package scheduler

import (
	"fmt"
	"regexp"
	"strings"
)

// JobTemplate describes a batch job to be rendered into SBATCH
// directives.
type JobTemplate struct {
	JobName      string
	QueueName    string
	Account      string
	QOS          string
	Priority     int // SBATCH --nice adjustment, 0 means unset
	Rerunnable   bool
	SubmitAsHold bool

	Email          string
	EmailOnStarted bool
	EmailOnFinish  bool

	OutputPath string
	ErrorPath  string
	JoinFiles  bool

	ImportEnvironment bool

	Nodes        int
	TasksPerNode int
	CPUsPerTask  int

	MaxWallclockSeconds int64
	MaxMemoryKB         int64

	// CustomDirectives are appended verbatim after the generated ones.
	CustomDirectives []string
}

var jobNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// sanitizeJobName strips characters the scheduler rejects, forces a
// letter prefix and truncates to 128 characters.
func sanitizeJobName(name string) string {
	name = jobNameUnsafe.ReplaceAllString(name, "")
	if name == "" || !isAlnum(name[0]) {
		name = "j" + name
	}
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// formatWallclock renders seconds as HH:MM:SS, or D-HH:MM:SS beyond a
// day.
func formatWallclock(totalSeconds int64) string {
	days := totalSeconds / 86400
	rem := totalSeconds % 86400
	hours := rem / 3600
	rem %= 3600
	minutes := rem / 60
	seconds := rem % 60
	if days == 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d-%02d:%02d:%02d", days, hours, minutes, seconds)
}

// BuildScriptHeader renders the SBATCH directive block for a job
// template.
func BuildScriptHeader(tmpl JobTemplate) (string, error) {
	var lines []string

	if tmpl.SubmitAsHold {
		lines = append(lines, "#SBATCH -H")
	}

	if tmpl.Rerunnable {
		lines = append(lines, "#SBATCH --requeue")
	} else {
		lines = append(lines, "#SBATCH --no-requeue")
	}

	if tmpl.Email != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --mail-user=%s", tmpl.Email))
	}
	if tmpl.EmailOnStarted {
		lines = append(lines, "#SBATCH --mail-type=BEGIN")
	}
	if tmpl.EmailOnFinish {
		lines = append(lines, "#SBATCH --mail-type=FAIL")
		lines = append(lines, "#SBATCH --mail-type=END")
	}

	if tmpl.JobName != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --job-name=%q", sanitizeJobName(tmpl.JobName)))
	}

	if tmpl.ImportEnvironment {
		lines = append(lines, "#SBATCH --get-user-env")
	}

	if tmpl.OutputPath != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --output=%s", tmpl.OutputPath))
	}
	if !tmpl.JoinFiles {
		if tmpl.ErrorPath != "" {
			lines = append(lines, fmt.Sprintf("#SBATCH --error=%s", tmpl.ErrorPath))
		} else {
			// avoid the scheduler's automatic join of stdout and stderr
			lines = append(lines, "#SBATCH --error=slurm-%j.err")
		}
	}

	if tmpl.QueueName != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --partition=%s", tmpl.QueueName))
	}
	if tmpl.Account != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --account=%s", tmpl.Account))
	}
	if tmpl.QOS != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --qos=%s", tmpl.QOS))
	}
	if tmpl.Priority != 0 {
		lines = append(lines, fmt.Sprintf("#SBATCH --nice=%d", tmpl.Priority))
	}

	if tmpl.Nodes <= 0 {
		return "", fmt.Errorf("job template requires a positive node count")
	}
	lines = append(lines, fmt.Sprintf("#SBATCH --nodes=%d", tmpl.Nodes))
	if tmpl.TasksPerNode > 0 {
		lines = append(lines, fmt.Sprintf("#SBATCH --ntasks-per-node=%d", tmpl.TasksPerNode))
	}
	if tmpl.CPUsPerTask > 0 {
		lines = append(lines, fmt.Sprintf("#SBATCH --cpus-per-task=%d", tmpl.CPUsPerTask))
	}

	if tmpl.MaxWallclockSeconds > 0 {
		lines = append(lines, fmt.Sprintf("#SBATCH --time=%s", formatWallclock(tmpl.MaxWallclockSeconds)))
	} else if tmpl.MaxWallclockSeconds < 0 {
		return "", fmt.Errorf("max wallclock seconds must be positive, got %d", tmpl.MaxWallclockSeconds)
	}

	if tmpl.MaxMemoryKB > 0 {
		// --mem takes megabytes per node
		lines = append(lines, fmt.Sprintf("#SBATCH --mem=%d", tmpl.MaxMemoryKB/1024))
	} else if tmpl.MaxMemoryKB < 0 {
		return "", fmt.Errorf("max memory must be positive, got %d kB", tmpl.MaxMemoryKB)
	}

	lines = append(lines, tmpl.CustomDirectives...)

	return strings.Join(lines, "\n"), nil
}

// BuildScript renders a complete submission script: shebang, directive
// header, then the body.
func BuildScript(tmpl JobTemplate, body string) (string, error) {
	header, err := BuildScriptHeader(tmpl)
	if err != nil {
		return "", err
	}
	return "#!/bin/bash\n" + header + "\n\n" + body + "\n", nil
}
