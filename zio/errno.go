/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Mar 22 08:12:40 2019 mstenber
 * Last modified: Wed May  8 10:30:21 2019 mstenber
 * Edit time:     40 min
 *
 */

package zio

import (
	"github.com/fingon/go-zpool/alloc"
	"github.com/fingon/go-zpool/vdev"
)

// Errno is the pipeline's internal error taxonomy. Errors travel
// inside operations as plain values and only become Go errors at the
// pipeline edge (Wait / done callbacks).
type Errno int

const (
	OK Errno = iota
	// EUnavailable: the target device is not responding.
	EUnavailable
	// EChecksum: content corruption detected.
	EChecksum
	// EIO: generic I/O failure.
	EIO
	// ENoSpace: allocation failed for lack of space.
	ENoSpace
	// EInvalid: structural validation failure (malformed
	// descriptor, bad argument).
	EInvalid
)

func (self Errno) Error() string {
	switch self {
	case OK:
		return "ok"
	case EUnavailable:
		return "device unavailable"
	case EChecksum:
		return "checksum mismatch"
	case EIO:
		return "i/o error"
	case ENoSpace:
		return "out of space"
	case EInvalid:
		return "invalid structure"
	}
	return "unknown error"
}

// errnoRank orders errors by diagnostic value; when several children
// fail, the most informative error wins. Everything not explicitly
// ranked shares the top rank.
func errnoRank(e Errno) int {
	switch e {
	case OK:
		return 0
	case EUnavailable:
		return 1
	case EChecksum:
		return 2
	case EIO:
		return 3
	}
	return 4
}

// WorstError picks the higher-ranked of two errors; ties keep the
// first. The ranking is total and transitive.
func WorstError(e1, e2 Errno) Errno {
	if errnoRank(e2) > errnoRank(e1) {
		return e2
	}
	return e1
}

// toErrno maps collaborator errors into the taxonomy.
func toErrno(err error) Errno {
	switch err {
	case nil:
		return OK
	case vdev.ErrUnavailable:
		return EUnavailable
	case alloc.ErrNoSpace:
		return ENoSpace
	}
	return EIO
}

// AsError returns nil for OK, self otherwise.
func (self Errno) AsError() error {
	if self == OK {
		return nil
	}
	return self
}
