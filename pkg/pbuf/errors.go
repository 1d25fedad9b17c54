package pbuf

import "errors"

var (
	// ErrOutOfMemory is returned by Alloc for a negative size or headroom.
	// An exhausted size class does not produce it: Alloc falls back to a
	// heap region instead.
	ErrOutOfMemory = errors.New("pbuf: out of memory")

	// ErrClonedImmutable names the refusal to extend the data area
	// (push_head below the current data offset, or put_tail beyond the
	// current tail) of a buffer obtained via Clone. Clones share the
	// backing region; extending one clone's view would corrupt bytes
	// another clone still considers headroom or tailroom. PushHead and
	// PutTail refuse such a request by logging a warning and returning
	// nil; they do not return this error.
	ErrClonedImmutable = errors.New("pbuf: cannot extend data area of a cloned buffer")

	// ErrFreed names use of a buffer after its refcount has dropped to
	// zero. Buffer operations do not check for that case and do not return
	// this error.
	ErrFreed = errors.New("pbuf: use after free")
)
