// Copyright (C) 2025 The Syncthing Authors.

package catalog

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrNoSuchFolder is returned by GetClusterConfig when a peer names a
// folder this device has no configured device entry for (spec §4.5:
// "Folders with no configured peer device cause an error").
var ErrNoSuchFolder = errors.New("catalog: folder has no configured peer device")

// ErrNotFound is returned by BlocksToSatisfyRead for a path that resolves
// to no file in the store. List and Attributes report a missing path as
// a nil result with a nil error instead.
var ErrNotFound = errors.New("catalog: not found")

// wrap prefixes err with the calling function's name and optional
// context, mirroring the teacher db package's error-wrapping idiom.
func wrap(err error, context ...string) error {
	if err == nil {
		return nil
	}
	prefix := "catalog"
	if pc, _, _, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			name := fn.Name()
			if i := strings.LastIndex(name, "."); i >= 0 {
				name = name[i+1:]
			}
			prefix = name
		}
	}
	if len(context) > 0 {
		return fmt.Errorf("%s (%s): %w", prefix, strings.Join(context, ", "), err)
	}
	return fmt.Errorf("%s: %w", prefix, err)
}
