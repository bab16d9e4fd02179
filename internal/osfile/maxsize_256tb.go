//go:build amd64 || arm64 || loong64 || ppc64 || ppc64le || riscv64 || s390x

package osfile

// MaxSize is the largest file Map accepts.
const MaxSize = 0xFFFFFFFFFFFF // 256TB
