// Package errno defines the POSIX-style error values used throughout the
// VFS layer.
//
// Filesystem operations return these values directly as Go errors. There is
// no layered error hierarchy: drivers, the dirent cache, and the mount table
// all speak the same flat taxonomy, and callers dispatch with errors.Is.
//
// Values may be wrapped with fmt.Errorf("...: %w", err) for context; the
// underlying Errno always survives unwrapping.
package errno

import "strconv"

// Errno is a POSIX error number.
//
// The numeric values follow the common Linux assignment so that images and
// traces produced by this package line up with what kernel tooling expects.
type Errno int

const (
	// EPERM indicates the operation is not permitted
	EPERM Errno = 1

	// ENOENT indicates a file or directory does not exist
	ENOENT Errno = 2

	// EIO indicates a low-level I/O error; the owning filesystem becomes
	// permanently read-only when a driver reports this from media access
	EIO Errno = 5

	// EBADF indicates a file handle that is closed or of the wrong kind
	EBADF Errno = 9

	// EAGAIN indicates a non-blocking operation would have to block
	EAGAIN Errno = 11

	// ENOMEM indicates an allocation limit was exceeded
	ENOMEM Errno = 12

	// EACCES indicates access to the object was denied
	EACCES Errno = 13

	// EBUSY indicates the object is in use, e.g. a mounted filesystem
	EBUSY Errno = 16

	// EEXIST indicates the target name already exists
	EEXIST Errno = 17

	// EXDEV indicates an operation across two different filesystems
	EXDEV Errno = 18

	// ENODEV indicates a missing device or unsupported device node
	ENODEV Errno = 19

	// ENOTDIR indicates a directory was required but something else found
	ENOTDIR Errno = 20

	// EISDIR indicates a non-directory was required but a directory found
	EISDIR Errno = 21

	// EINVAL indicates an invalid argument or flag combination
	EINVAL Errno = 22

	// ESPIPE indicates a seek on a non-seekable file such as a FIFO
	ESPIPE Errno = 29

	// EROFS indicates a write to a read-only filesystem
	EROFS Errno = 30

	// EMLINK indicates the link count limit was exceeded
	EMLINK Errno = 31

	// EPIPE indicates a write to a FIFO with no readers left
	EPIPE Errno = 32

	// ENAMETOOLONG indicates a path or filename over the allowed length
	ENAMETOOLONG Errno = 36

	// ENOTEMPTY indicates a directory that must be empty is not
	ENOTEMPTY Errno = 39

	// ELOOP indicates too many levels of symbolic links
	ELOOP Errno = 40

	// ENOTSUP indicates the filesystem does not support the operation
	ENOTSUP Errno = 95

	// ENOSPC indicates the filesystem has no free space left
	ENOSPC Errno = 28
)

var names = map[Errno]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such file or directory",
	EIO:          "input/output error",
	EBADF:        "bad file handle",
	EAGAIN:       "resource temporarily unavailable",
	ENOMEM:       "out of memory",
	EACCES:       "permission denied",
	EBUSY:        "resource busy",
	EEXIST:       "file exists",
	EXDEV:        "invalid cross-device link",
	ENODEV:       "no such device",
	ENOTDIR:      "not a directory",
	EISDIR:       "is a directory",
	EINVAL:       "invalid argument",
	ENOSPC:       "no space left on device",
	ESPIPE:       "illegal seek",
	EROFS:        "read-only file system",
	EMLINK:       "too many links",
	EPIPE:        "broken pipe",
	ENAMETOOLONG: "file name too long",
	ENOTEMPTY:    "directory not empty",
	ELOOP:        "too many levels of symbolic links",
	ENOTSUP:      "operation not supported",
}

// Error implements the error interface.
func (e Errno) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return "errno " + strconv.Itoa(int(e))
}
