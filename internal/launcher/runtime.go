package launcher

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrRuntimeUnavailable is returned when the proot binaries are missing or
// not executable.
var ErrRuntimeUnavailable = errors.New("sandbox runtime unavailable")

// Default file names inside the runtime directory.
const (
	ProotName  = "libproot.so"
	LoaderName = "libproot-loader.so"
	TallocName = "libtalloc.so"

	// tallocSoname is the name proot is linked against.
	tallocSoname = "libtalloc.so.2"
)

// Runtime locates the namespace-emulation executable and its support files.
type Runtime struct {
	Proot  string // proot executable
	Loader string // proot loader, exported as PROOT_LOADER
	Talloc string // talloc shared library as shipped
	LibDir string // writable directory holding the versioned talloc copy
	TmpDir string // optional PROOT_TMP_DIR
}

// RuntimeFromDir returns a Runtime using the default file names under dir.
// libDir defaults to dir/lib.
func RuntimeFromDir(dir, libDir, tmpDir string) Runtime {
	if libDir == "" {
		libDir = filepath.Join(dir, "lib")
	}
	return Runtime{
		Proot:  filepath.Join(dir, ProotName),
		Loader: filepath.Join(dir, LoaderName),
		Talloc: filepath.Join(dir, TallocName),
		LibDir: libDir,
		TmpDir: tmpDir,
	}
}

// Check verifies the runtime files and makes sure the versioned talloc copy
// exists in LibDir. Errors wrap ErrRuntimeUnavailable.
func (r Runtime) Check() error {
	for _, bin := range []struct{ what, path string }{
		{"proot executable", r.Proot},
		{"proot loader", r.Loader},
	} {
		if bin.path == "" {
			return fmt.Errorf("%w: %s path not configured", ErrRuntimeUnavailable, bin.what)
		}
		if err := executable(bin.path); err != nil {
			return fmt.Errorf("%w: %s %s is missing or not executable: %v", ErrRuntimeUnavailable, bin.what, bin.path, err)
		}
	}

	if r.Talloc == "" {
		return fmt.Errorf("%w: talloc library path not configured", ErrRuntimeUnavailable)
	}
	if _, err := os.Stat(r.Talloc); err != nil {
		return fmt.Errorf("%w: talloc library %s: %v", ErrRuntimeUnavailable, r.Talloc, err)
	}
	if err := r.linkTalloc(); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// linkTalloc copies the shipped library to LibDir under its soname. The copy
// is written once and reused.
func (r Runtime) linkTalloc() error {
	if r.LibDir == "" {
		return nil
	}
	dst := filepath.Join(r.LibDir, tallocSoname)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(r.LibDir, 0o755); err != nil {
		return fmt.Errorf("failed to create lib directory: %w", err)
	}

	src, err := os.Open(r.Talloc)
	if err != nil {
		return fmt.Errorf("failed to open talloc: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(r.LibDir, "."+tallocSoname+".*")
	if err != nil {
		return fmt.Errorf("failed to create talloc copy: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy talloc: %w", err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod talloc copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
