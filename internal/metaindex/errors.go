package metaindex

import "golang.org/x/xerrors"

// ErrCorruptSlot is returned by Fill when a located slot matches the
// requested inode and coarse-index range but has zero entries — a state the
// cache's invariants say should be impossible.
var ErrCorruptSlot = xerrors.New("metaindex: located slot has zero entries")

// ErrCacheExhausted documents the ExhaustedCache error kind from the design:
// empty() could not find a non-locked slot. It is not returned from Fill —
// exhaustion is not fatal, the walk simply degrades to proceeding from
// whatever position it last reached — but callers that want to observe or
// log exhaustion can compare against it.
var ErrCacheExhausted = xerrors.New("metaindex: slot table exhausted")
