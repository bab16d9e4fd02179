//go:build 386 || arm || ppc

package osfile

// MaxSize is the largest file Map accepts.
const MaxSize = 0x7FFFFFFF // 2GB
