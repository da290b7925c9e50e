// Package util holds small helpers shared by the transport and dispatch layers.
package util

import (
	"strconv"
)

// maxPrintableBytes bounds the length of byte dumps placed in logs and error messages.
const maxPrintableBytes = 256

// CloneSlice clones slice with cloneSize.
// This function will use src length as the clone size if cloneSize is 0.
// A nil src yields nil so "no bytes" and "empty bytes" stay distinguishable.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if src == nil {
		return nil
	}
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}

// PrintableBytes renders raw instrument bytes as a Go-quoted string, e.g. "ERR\n",
// truncating long payloads (binary blocks) with a length suffix.
func PrintableBytes(b []byte) string {
	if len(b) <= maxPrintableBytes {
		return strconv.Quote(string(b))
	}

	return strconv.Quote(string(b[:maxPrintableBytes])) + "...(" + strconv.Itoa(len(b)) + " bytes)"
}
