// Package launchertest provides a stand-in proot runtime for tests.
package launchertest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
)

// fakeProot skips proot options and runs the trailing command on the host.
const fakeProot = `#!/bin/sh
while [ $# -gt 0 ]; do
	case "$1" in
		-0) shift ;;
		-r|-b|-w) shift 2 ;;
		*) break ;;
	esac
done
exec "$@"
`

// Runtime writes a fake runtime into a temp dir and returns it. Commands run
// through it execute directly on the host with /bin/sh.
func Runtime(t testing.TB) launcher.Runtime {
	t.Helper()

	dir := t.TempDir()
	write := func(name, content string, mode os.FileMode) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), mode); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write(launcher.ProotName, fakeProot, 0o755)
	write(launcher.LoaderName, "#!/bin/sh\nexit 0\n", 0o755)
	write(launcher.TallocName, "not a real library", 0o644)

	return launcher.RuntimeFromDir(dir, "", "")
}

// Rootfs creates a directory standing in for a prepared root filesystem. It
// only holds a placeholder /bin/sh.
func Rootfs(t testing.TB) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "rootfs")
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatalf("mkdir rootfs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "sh"), []byte("#!/bin/true\n"), 0o755); err != nil {
		t.Fatalf("write rootfs shell: %v", err)
	}
	return dir
}
