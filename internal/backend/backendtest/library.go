// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

// Package backendtest provides an in-process stand-in for native backend
// libraries. Exported symbols are plain Go functions; strings returned to
// the host are NUL-terminated Go buffers whose release is tracked so tests
// can assert the ownership rules.
package backendtest

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"unsafe"

	"github.com/deskpet/deskpet/internal/ffi"
)

// Library is a fake native library.
type Library struct {
	path string

	mu          sync.Mutex
	symbols     map[string]any
	owned       map[unsafe.Pointer][]byte
	static      [][]byte
	tables      [][]unsafe.Pointer
	handles     int
	opens       int
	closes      int
	frees       int
	doubleFrees int
}

var _ ffi.Library = (*Library)(nil)

// NewLibrary creates an empty library for path.
func NewLibrary(path string) *Library {
	return &Library{
		path:    path,
		symbols: make(map[string]any),
		owned:   make(map[unsafe.Pointer][]byte),
	}
}

// Path returns the path the library was registered under.
func (l *Library) Path() string { return l.path }

// Export registers fn under symbol, replacing any previous export.
func (l *Library) Export(symbol string, fn any) *Library {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.symbols[symbol] = fn
	return l
}

// Unexport removes symbol.
func (l *Library) Unexport(symbol string) *Library {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.symbols, symbol)
	return l
}

// Bind implements ffi.Library.
func (l *Library) Bind(fnPtr any, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handles == 0 {
		return ffi.ErrLibraryClosed
	}
	fn, ok := l.symbols[symbol]
	if !ok {
		return fmt.Errorf("%s: %w", symbol, ffi.ErrSymbolNotFound)
	}

	dst := reflect.ValueOf(fnPtr)
	if dst.Kind() != reflect.Pointer || dst.Elem().Kind() != reflect.Func {
		return fmt.Errorf("bind %s: destination %T is not a function pointer", symbol, fnPtr)
	}
	src := reflect.ValueOf(fn)
	if !src.Type().AssignableTo(dst.Elem().Type()) {
		return fmt.Errorf("bind %s: export %s does not match %s", symbol, src.Type(), dst.Elem().Type())
	}
	dst.Elem().Set(src)
	return nil
}

// Close implements ffi.Library. Like dlclose it drops one handle reference.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handles > 0 {
		l.handles--
		l.closes++
	}
	return nil
}

func (l *Library) open() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handles++
	l.opens++
}

// CString allocates an owned NUL-terminated buffer that the host must
// return through plugin_free_string.
func (l *Library) CString(s string) unsafe.Pointer {
	buf := append([]byte(s), 0)
	p := unsafe.Pointer(&buf[0])
	l.mu.Lock()
	l.owned[p] = buf
	l.mu.Unlock()
	return p
}

// StaticString allocates a buffer that stays owned by the library.
func (l *Library) StaticString(s string) unsafe.Pointer {
	buf := append([]byte(s), 0)
	l.mu.Lock()
	l.static = append(l.static, buf)
	l.mu.Unlock()
	return unsafe.Pointer(&buf[0])
}

func (l *Library) free(p unsafe.Pointer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.owned[p]; !ok {
		l.doubleFrees++
		return
	}
	delete(l.owned, p)
	l.frees++
}

// Outstanding is the number of owned strings not yet freed.
func (l *Library) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.owned)
}

// Frees is the number of valid plugin_free_string calls.
func (l *Library) Frees() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frees
}

// DoubleFrees counts frees of pointers that were not outstanding.
func (l *Library) DoubleFrees() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doubleFrees
}

// Handles is the number of opens not yet matched by a Close.
func (l *Library) Handles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles
}

// Opens is the total number of times the library was opened.
func (l *Library) Opens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens
}

// WithFree exports plugin_free_string.
func (l *Library) WithFree() *Library {
	return l.Export("plugin_free_string", ffi.FreeFunc(l.free))
}

// WithCommand exports plugin_<name> backed by fn. A nil result from fn is
// returned to the host as a null pointer.
func (l *Library) WithCommand(name string, fn func(args string) *string) *Library {
	return l.Export("plugin_"+name, ffi.CallFunc(func(args string) unsafe.Pointer {
		out := fn(args)
		if out == nil {
			return nil
		}
		return l.CString(*out)
	}))
}

// WithVersion exports plugin_get_version returning a borrowed string.
func (l *Library) WithVersion(version string) *Library {
	p := l.StaticString(version)
	return l.Export("plugin_get_version", ffi.PtrFunc(func() unsafe.Pointer { return p }))
}

// WithCommandTable exports plugin_get_commands.
func (l *Library) WithCommandTable(entries ...ffi.CommandEntry) *Library {
	table := make([]unsafe.Pointer, 0, 2*len(entries)+2)
	for _, e := range entries {
		table = append(table, l.StaticString(e.Name), l.StaticString(e.Description))
	}
	table = append(table, nil, nil)
	l.mu.Lock()
	l.tables = append(l.tables, table)
	l.mu.Unlock()
	return l.Export("plugin_get_commands", ffi.PtrFunc(func() unsafe.Pointer { return unsafe.Pointer(&table[0]) }))
}

// WithOwnedString exports symbol returning a fresh owned copy of value()
// on each call, or null when value returns nil.
func (l *Library) WithOwnedString(symbol string, value func() *string) *Library {
	return l.Export(symbol, ffi.PtrFunc(func() unsafe.Pointer {
		v := value()
		if v == nil {
			return nil
		}
		return l.CString(*v)
	}))
}

// WithBool exports a nullary predicate.
func (l *Library) WithBool(symbol string, value func() bool) *Library {
	return l.Export(symbol, ffi.BoolFunc(value))
}

// Ptr is a convenience for building optional string results.
func Ptr(s string) *string { return &s }

// Opener serves registered fake libraries by path.
type Opener struct {
	mu       sync.Mutex
	libs     map[string]*Library
	failures map[string]error
	attempts map[string]int
}

var _ ffi.Opener = (*Opener)(nil)

// NewOpener creates an empty opener.
func NewOpener() *Opener {
	return &Opener{
		libs:     make(map[string]*Library),
		failures: make(map[string]error),
		attempts: make(map[string]int),
	}
}

// Register makes lib available at lib.Path().
func (o *Opener) Register(lib *Library) *Library {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.libs[lib.Path()] = lib
	delete(o.failures, lib.Path())
	return lib
}

// Fail makes opens of path return err.
func (o *Opener) Fail(path string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[path] = err
}

// Attempts is the number of Open calls for path.
func (o *Opener) Attempts(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts[path]
}

// Open implements ffi.Opener.
func (o *Opener) Open(path string) (ffi.Library, error) {
	o.mu.Lock()
	o.attempts[path]++
	err := o.failures[path]
	lib := o.libs[path]
	o.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if lib == nil {
		return nil, fmt.Errorf("%s: cannot open shared object file: not a registered library", path)
	}
	lib.open()
	return lib, nil
}

// TB is the subset of testing.TB that TouchFile needs.
type TB interface {
	Helper()
	TempDir() string
	Fatalf(format string, args ...any)
}

// TouchFile creates an empty file named name in a fresh temp dir and
// returns its path. Load checks the path exists before opening.
func TouchFile(t TB, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("touch %s: %v", path, err)
	}
	return path
}
