// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package ffi

import (
	"strings"
	"sync"
	"unsafe"
)

// maxCommandEntries bounds a command table walk when a library forgets the
// terminating entry.
const maxCommandEntries = 1024

// GoString copies the NUL-terminated buffer at p into a Go string. Invalid
// UTF-8 sequences are replaced with U+FFFD. A nil pointer yields "".
func GoString(p unsafe.Pointer) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	s := string(unsafe.Slice((*byte)(p), n))
	return strings.ToValidUTF8(s, "\uFFFD")
}

// ForeignString is a string buffer owned by the library that returned it.
// It must be released through that library's free function exactly once;
// when the library has no free function the buffer is leaked.
type ForeignString struct {
	ptr  unsafe.Pointer
	free FreeFunc
	once sync.Once
}

// Own wraps ptr, which must have been returned by the library that exports
// free. It returns nil when ptr is nil.
func Own(ptr unsafe.Pointer, free FreeFunc) *ForeignString {
	if ptr == nil {
		return nil
	}
	return &ForeignString{ptr: ptr, free: free}
}

// Take copies the contents into Go memory and releases the buffer. Calls
// after the first return "".
func (s *ForeignString) Take() string {
	if s == nil {
		return ""
	}
	var out string
	s.once.Do(func() {
		out = GoString(s.ptr)
		if s.free != nil {
			s.free(s.ptr)
		}
		s.ptr = nil
	})
	return out
}

// CommandEntry is one row of a library's command table.
type CommandEntry struct {
	Name        string
	Description string
}

// ReadCommandTable walks a borrowed array of {name, description} C string
// pairs terminated by an entry with a nil name. The table stays owned by
// the library and is not freed.
func ReadCommandTable(p unsafe.Pointer) []CommandEntry {
	if p == nil {
		return nil
	}
	const ptrSize = unsafe.Sizeof(uintptr(0))
	var entries []CommandEntry
	for i := range maxCommandEntries {
		row := unsafe.Add(p, uintptr(i)*2*ptrSize)
		name := *(*unsafe.Pointer)(row)
		if name == nil {
			break
		}
		desc := *(*unsafe.Pointer)(unsafe.Add(row, ptrSize))
		entries = append(entries, CommandEntry{Name: GoString(name), Description: GoString(desc)})
	}
	return entries
}
