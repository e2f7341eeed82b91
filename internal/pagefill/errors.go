package pagefill

import "golang.org/x/xerrors"

// ErrReadFailure is the sentinel for a failed external data-block read
// (read_data returning 0 decompressed bytes, or reporting an error).
var ErrReadFailure = xerrors.New("pagefill: data block read failure")

// ErrFragmentError is the sentinel for a fragment-cache entry whose error
// flag is set, or for fragment cache exhaustion.
var ErrFragmentError = xerrors.New("pagefill: fragment read failure")
