package dnn

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
)

// versionProgram prints the version the headers declare and the version the
// loaded library reports, separated by a space.
const versionProgram = `#include <stdio.h>
#include <cudnn.h>
int main(void) {
  printf("%d %d\n", (int)CUDNN_VERSION, (int)cudnnGetVersion());
  return 0;
}
`

// CCSession opens the backend by compiling and running a small version
// reporter with the host C compiler. It is the real-hardware counterpart of
// the in-memory sessions the tests use.
type CCSession struct {
	// Compiler overrides the compiler binary; empty means "cc".
	Compiler string
	// Options point the compile at the backend headers and libraries.
	Options CompileOptions
}

// Open implements Session.
func (s *CCSession) Open() (SessionInfo, error) {
	cc := s.Compiler
	if cc == "" {
		cc = "cc"
	}
	dir, err := os.MkdirTemp("", "accel-session-")
	if err != nil {
		return SessionInfo{}, errors.Wrap(err, "opening backend session")
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "version.c")
	if err := os.WriteFile(src, []byte(versionProgram), 0o644); err != nil {
		return SessionInfo{}, errors.Wrap(err, "opening backend session")
	}

	bin := filepath.Join(dir, "version")
	args := []string{src, "-o", bin}
	for _, p := range s.Options.IncludePaths {
		if p != "" {
			args = append(args, "-I"+p)
		}
	}
	for _, p := range s.Options.LibraryPaths {
		if p != "" {
			args = append(args, "-L"+p)
		}
	}
	for _, l := range s.Options.Libraries {
		args = append(args, "-l"+l)
	}
	if out, err := exec.Command(cc, args...).CombinedOutput(); err != nil {
		return SessionInfo{}, errors.Errorf("compiling version reporter: %s", out)
	}

	out, err := exec.Command(bin).Output()
	if err != nil {
		return SessionInfo{}, errors.Wrap(err, "running version reporter")
	}
	var info SessionInfo
	if _, err := fmt.Sscan(string(out), &info.HeaderVersion, &info.RuntimeVersion); err != nil {
		return SessionInfo{}, errors.Wrapf(err, "parsing version reporter output %q", out)
	}
	return info, nil
}
