package lstore

// Options configures a Database at Open or OpenMemory time.
type Options struct {
	// BufferPoolCapacity bounds the number of resident page frames. Zero
	// selects storage.NewBufferPool's own default.
	BufferPoolCapacity int
}

func (o Options) capacity() int { return o.BufferPoolCapacity }
