package misc

// Key derivation parameters for argon2id. Changing any of these changes
// every derived identity, so they are fixed for the life of a store.
const (
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
)
