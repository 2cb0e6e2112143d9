package dnn

import (
	"os"
	"os/exec"
	"path/filepath"
)

// trialProgram is the translation unit the toolchain probe compiles and
// links against the backend.
const trialProgram = `#include <cudnn.h>
int main(void) { return (int)cudnnGetVersion(); }
`

// CCToolchain probes the backend headers and libraries with the host C
// compiler.
type CCToolchain struct {
	// Compiler overrides the compiler binary; empty means "cc".
	Compiler string
}

// TryCompile implements Toolchain: it writes the trial program to a
// temporary directory and attempts a compile and link. The combined
// compiler output is returned as the diagnostic on failure.
func (t *CCToolchain) TryCompile(opts CompileOptions) (bool, string) {
	cc := t.Compiler
	if cc == "" {
		cc = "cc"
	}
	dir, err := os.MkdirTemp("", "accel-probe-")
	if err != nil {
		return false, err.Error()
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "conftest.c")
	if err := os.WriteFile(src, []byte(trialProgram), 0o644); err != nil {
		return false, err.Error()
	}

	args := []string{src, "-o", filepath.Join(dir, "conftest")}
	for _, p := range opts.IncludePaths {
		if p != "" {
			args = append(args, "-I"+p)
		}
	}
	for _, p := range opts.LibraryPaths {
		if p != "" {
			args = append(args, "-L"+p)
		}
	}
	for _, l := range opts.Libraries {
		args = append(args, "-l"+l)
	}

	out, err := exec.Command(cc, args...).CombinedOutput()
	if err != nil {
		return false, string(out)
	}
	return true, ""
}
