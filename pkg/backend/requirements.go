package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/nxadm/tail"
)

// ErrPythonNotFound is returned when no python3 interpreter can be located.
var ErrPythonNotFound = errors.New("backend: python3 not found in PATH")

// pipToImportName maps a pip package name (lowercased) to the name it's
// imported under, for the handful of packages where the two differ.
var pipToImportName = map[string]string{
	"pillow":                 "PIL",
	"pyyaml":                 "yaml",
	"pytorch":                "torch",
	"tensorflow-cpu":         "tensorflow",
	"tensorflow-gpu":         "tensorflow",
	"scikit-learn":           "sklearn",
	"beautifulsoup4":         "bs4",
	"python-dateutil":        "dateutil",
	"msgpack-python":         "msgpack",
	"protobuf":               "google.protobuf",
	"opencv-python":          "cv2",
	"opencv-python-headless": "cv2",
	"python-dotenv":          "dotenv",
	"typing-extensions":      "typing_extensions",
}

var versionOperators = []string{"==", ">=", "<=", "~=", "!=", ">", "<"}

// requirementLine is one parsed, non-blank, non-comment line of a
// requirements.txt-style file.
type requirementLine struct {
	raw         string // full line, passed verbatim to pip install
	packageName string // bare package name, used for the import check
}

// parseRequirements extracts package names from a requirements.txt-style
// document, stripping comments, blank lines, and environment markers
// (the "; python_version >= ..." suffix).
func parseRequirements(content string) ([]requirementLine, error) {
	var lines []requirementLine
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		packageSpec := strings.TrimSpace(strings.SplitN(line, ";", 2)[0])

		name := packageSpec
		for _, op := range versionOperators {
			if idx := strings.Index(packageSpec, op); idx >= 0 {
				name = strings.TrimSpace(packageSpec[:idx])
				break
			}
		}

		lines = append(lines, requirementLine{raw: line, packageName: name})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// splitEnvironmentMarker tokenizes a requirement line's trailing
// environment marker (e.g. `python_version >= "3.8"`) using
// go-shellwords so quoted values survive the split.
func splitEnvironmentMarker(line string) ([]string, error) {
	parts := strings.SplitN(line, ";", 2)
	if len(parts) != 2 {
		return nil, nil
	}
	// go-shellwords stops at an unescaped '<' or '>' (shell redirection),
	// so the comparison operators are escaped before parsing.
	marker := strings.NewReplacer("<", `\<`, ">", `\>`).Replace(strings.TrimSpace(parts[1]))
	return shellwords.Parse(marker)
}

// pythonInterpreter locates the python3 interpreter to use: an explicit
// override, a virtualenv-style bin/python3 under envDir, or the first
// python3 on PATH.
func pythonInterpreter(customPath, envDir string) (string, error) {
	if customPath != "" {
		return customPath, nil
	}
	if envDir != "" {
		venvPython := filepath.Join(envDir, "bin", "python3")
		if _, err := os.Stat(venvPython); err == nil {
			return venvPython, nil
		}
	}
	systemPython, err := exec.LookPath("python3")
	if err != nil {
		return "", ErrPythonNotFound
	}
	return systemPython, nil
}

// newPythonCmd builds an *exec.Cmd invoking the given interpreter (or
// "python3" if empty) with args.
func newPythonCmd(ctx context.Context, pythonPath string, args ...string) *exec.Cmd {
	binary := "python3"
	if pythonPath != "" {
		binary = pythonPath
	}
	return exec.CommandContext(ctx, binary, args...)
}

// isPackageInstalled reports whether packageName can be imported,
// trying the mapped import name, then the bare package name, then
// falling back to `pip show` as a last resort.
func isPackageInstalled(ctx context.Context, pythonPath, packageName string) bool {
	importName, mapped := pipToImportName[strings.ToLower(packageName)]
	if !mapped {
		importName = packageName
	}

	if tryImport(ctx, pythonPath, importName) {
		return true
	}
	if importName != packageName && tryImport(ctx, pythonPath, packageName) {
		return true
	}

	cmd := newPythonCmd(ctx, pythonPath, "-m", "pip", "show", packageName)
	return cmd.Run() == nil
}

func tryImport(ctx context.Context, pythonPath, importName string) bool {
	cmd := newPythonCmd(ctx, pythonPath, "-c", fmt.Sprintf("import %s", importName))
	return cmd.Run() == nil
}

// installMissing writes missing requirement lines to a scratch file and
// shells out to `pip install -r`, tailing the resulting log file with
// nxadm/tail so install failures surface their full pip output.
func installMissing(ctx context.Context, pythonPath, scratchDir string, missing []requirementLine) error {
	if len(missing) == 0 {
		return nil
	}

	reqPath := filepath.Join(scratchDir, "requirements_temp.txt")
	var sb strings.Builder
	for _, r := range missing {
		sb.WriteString(r.raw)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(reqPath, []byte(sb.String()), 0o644); err != nil {
		return err
	}
	defer os.Remove(reqPath)

	logPath := filepath.Join(scratchDir, "pip_install.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer os.Remove(logPath)

	cmd := newPythonCmd(ctx, pythonPath, "-m", "pip", "install", "-r", reqPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	t, tailErr := tail.TailFile(logPath, tail.Config{Follow: true, ReOpen: false})
	var tailedLines []string
	done := make(chan struct{})
	if tailErr == nil {
		go func() {
			defer close(done)
			for line := range t.Lines {
				tailedLines = append(tailedLines, line.Text)
			}
		}()
	} else {
		close(done)
	}

	runErr := cmd.Run()
	logFile.Close()

	if t != nil {
		time.Sleep(50 * time.Millisecond) // let the tailer drain the final lines
		_ = t.Stop()
	}
	<-done

	if runErr != nil {
		return fmt.Errorf("backend: pip install failed: %w\n%s", runErr, strings.Join(tailedLines, "\n"))
	}
	return nil
}
