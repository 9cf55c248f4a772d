// Copyright 2026 The kmem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains error codes exported as error interface pointers.
// This allows for fast comparison and return operations comparable to
// unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"kmem.dev/kmem/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name, but are of type *errors.Error so that they carry a message and
// compare by identity.
var (
	EIO    = errors.New(unix.EIO, "I/O error")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EBUSY  = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST = errors.New(unix.EEXIST, "file exists")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC = errors.New(unix.ENOSPC, "no space left on device")
)

var errnoMap = map[unix.Errno]*errors.Error{
	unix.EIO:    EIO,
	unix.ENOMEM: ENOMEM,
	unix.EFAULT: EFAULT,
	unix.EBUSY:  EBUSY,
	unix.EEXIST: EEXIST,
	unix.EINVAL: EINVAL,
	unix.ENOSPC: ENOSPC,
}

// ErrorFromUnix returns the *errors.Error for err, or nil if err is 0 or
// unknown to this package.
func ErrorFromUnix(err unix.Errno) *errors.Error {
	return errnoMap[err]
}

// ToUnix returns the unix.Errno carried by err. If err wraps an *errors.Error
// the wrapped errno is returned; if err wraps a unix.Errno it is returned
// as-is. ok is false if no errno can be found.
func ToUnix(err error) (errno unix.Errno, ok bool) {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno(), true
	}
	if goerrors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// Equals checks if a linuxerr error is the same as another error, which may be
// a wrapped *errors.Error or a unix.Errno.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	errno, ok := ToUnix(err)
	return ok && errno == e.Errno()
}
