// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/deskpet/deskpet/internal/ffi"
	"github.com/deskpet/deskpet/internal/logbus"
)

func pluginAttr(id string) attribute.KeyValue   { return attribute.String("plugin.id", id) }
func pathAttr(path string) attribute.KeyValue   { return attribute.String("plugin.path", path) }
func functionAttr(fn string) attribute.KeyValue { return attribute.String("plugin.function", fn) }

// Call invokes plugin_<function> in backend id with args and returns the
// string it produced. The returned buffer is copied and handed back to the
// backend's plugin_free_string before Call returns.
//
// If ctx ends, or the registry's call timeout elapses, before the foreign
// function returns, Call fails with ErrCallAbandoned. The foreign function
// keeps running and the backend cannot be released until it returns.
func (r *Registry) Call(ctx context.Context, id, function, args string) (out string, err error) {
	ctx, span := tracer.Start(ctx, "backend.call", trace.WithAttributes(pluginAttr(id), functionAttr(function)))
	defer endSpan(span, &err)

	if !validFunctionName(function) {
		return "", r.fail(id, function, errBuilder(CodeInvalidArgument, id).With("function", function).
			Wrapf(ErrInvalidArgument, "function name %q is not callable", function))
	}
	if strings.IndexByte(args, 0) >= 0 {
		return "", r.fail(id, function, errBuilder(CodeInvalidArgument, id).With("function", function).
			Wrapf(ErrInvalidArgument, "arguments contain a NUL byte"))
	}
	if r.policy != nil && !r.policy.Permits(id, function) {
		return "", r.fail(id, function, errBuilder(CodeCallDenied, id).With("function", function).
			Wrapf(ErrCallDenied, "backend %q may not export %q", id, function))
	}

	rec, err := r.acquire(id)
	if err != nil {
		return "", r.fail(id, function, err)
	}
	r.emit(id, logbus.LevelInfo, function, fmt.Sprintf("Calling %s.%s", id, function))

	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	start := r.now()
	var result string
	var callErr error
	thread, waitErr := r.runForeign(ctx, rec, func() {
		result, callErr = r.invoke(rec, function, args)
		rec.countCall(function, callErr)
		r.recorder.CallObserved(id, function, callErr, r.now().Sub(start))
	})
	if waitErr != nil {
		return "", r.fail(id, function, errBuilder(CodeCallAbandoned, id).With("function", function).
			Wrapf(fmt.Errorf("%w: %w", ErrCallAbandoned, waitErr), "call %s.%s", id, function))
	}
	if callErr != nil {
		r.emitOnThread(id, logbus.LevelError, function, thread, callErr.Error())
		return "", callErr
	}

	r.emitOnThread(id, logbus.LevelDebug, function, thread,
		fmt.Sprintf("Function %s completed in %dms", function, r.now().Sub(start).Milliseconds()))
	return result, nil
}

// invoke runs on the foreign thread.
func (r *Registry) invoke(rec *record, function, args string) (string, error) {
	fn, err := rec.function(function)
	if err != nil {
		if errors.Is(err, ffi.ErrSymbolNotFound) {
			return "", errBuilder(CodeFunctionNotFound, rec.id).With("function", function).
				Wrapf(fmt.Errorf("%w: %w", ErrFunctionNotFound, err), "backend %q does not export %q", rec.id, function)
		}
		return "", errBuilder(CodeForeignCall, rec.id).With("function", function).
			Wrapf(fmt.Errorf("%w: %w", ErrForeignCall, err), "resolve %s", function)
	}

	p := fn(args)
	if p == nil {
		return "", errBuilder(CodeForeignCall, rec.id).With("function", function).
			Wrapf(ErrForeignCall, "function %s returned null", function)
	}
	return rec.takeString(p), nil
}
