// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pooltypes

import "errors"

// Sentinel errors shared across packages that operate on pooltypes
// values, following the teacher's package-level Err* convention
// (dex/types.go).
var (
	ErrNotTriangular = errors.New("route is not triangular")
	ErrDuplicatePool = errors.New("route visits the same pool twice")
	ErrNotClosed     = errors.New("route does not close on its entry token")
	ErrNotChained    = errors.New("route steps are not chained token-to-token")
)
