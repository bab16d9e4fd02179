//go:build mips64 || mips64le

package osfile

// MaxSize is the largest file Map accepts.
const MaxSize = 0x8000000000 // 512GB
