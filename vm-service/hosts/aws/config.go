// Copyright (c) 2024 CollabSec, Inc.

package hosts

// Constants for instance creation on AWS. Every lease gets exactly one
// instance per OS kind.
const (
	MIN_INSTANCE_COUNT int32 = 1
	MAX_INSTANCE_COUNT int32 = 1
)
