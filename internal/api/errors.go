package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/agent"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/devservice"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/distro"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/launcher"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/mount"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/rootfs"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/supervisor"
)

// ErrBadRequest is returned for malformed request bodies.
var ErrBadRequest = errors.New("bad request")

// errorCodes maps sentinels to status codes and stable wire codes. The first
// match wins.
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{supervisor.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{devservice.ErrNotFound, http.StatusNotFound, "service_not_found"},
	{devservice.ErrUnknownPreset, http.StatusNotFound, "unknown_template"},
	{distro.ErrUnknown, http.StatusNotFound, "unknown_distro"},
	{supervisor.ErrAlreadyRunning, http.StatusConflict, "already_running"},
	{supervisor.ErrNotRunning, http.StatusConflict, "not_running"},
	{supervisor.ErrNameInUse, http.StatusConflict, "name_in_use"},
	{devservice.ErrAlreadyActive, http.StatusConflict, "service_active"},
	{devservice.ErrNotInstalled, http.StatusConflict, "service_not_installed"},
	{devservice.ErrNotStartable, http.StatusConflict, "service_not_startable"},
	{agent.ErrInstallInProgress, http.StatusConflict, "install_in_progress"},
	{rootfs.ErrNotInstalled, http.StatusConflict, "rootfs_not_installed"},
	{launcher.ErrRuntimeUnavailable, http.StatusServiceUnavailable, "runtime_unavailable"},
	{launcher.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
	{supervisor.ErrInvalidConfig, http.StatusBadRequest, "invalid_config"},
	{devservice.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{mount.ErrBlocked, http.StatusBadRequest, "mount_blocked"},
	{ErrBadRequest, http.StatusBadRequest, "bad_request"},
}

func classify(err error) (int, string) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// Error is a non-2xx response decoded by the Client. It unwraps to the
// sentinel named by Code, so callers can use errors.Is as they would locally.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	for _, c := range errorCodes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}
